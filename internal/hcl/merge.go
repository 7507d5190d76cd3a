package hcl

import (
	"fmt"

	"github.com/vk/imagegrid/internal/schema"
)

// merge applies src over dst. Pipeline attributes override one by one, axes
// and side tasks by name, and the exclude list, native node, build and
// publish blocks are replaced whole when src declares them.
func merge(dst, src *schema.File) error {
	if src.Pipeline != nil {
		if dst.Pipeline == nil {
			dst.Pipeline = &schema.Pipeline{}
		}
		mergePipeline(dst.Pipeline, src.Pipeline)
	}

	seenAxes := make(map[string]struct{})
	for _, axis := range src.Axes {
		if _, dup := seenAxes[axis.Name]; dup {
			return fmt.Errorf("axis %q declared more than once", axis.Name)
		}
		seenAxes[axis.Name] = struct{}{}
		dst.Axes = replaceByName(dst.Axes, axis, func(a *schema.Axis) string { return a.Name })
	}

	if len(src.Excludes) > 0 {
		dst.Excludes = src.Excludes
	}
	if src.Native != nil {
		dst.Native = src.Native
	}
	if src.Build != nil {
		dst.Build = src.Build
	}
	if src.Publish != nil {
		dst.Publish = src.Publish
	}

	seenTasks := make(map[string]struct{})
	for _, task := range src.SideTasks {
		if _, dup := seenTasks[task.Name]; dup {
			return fmt.Errorf("side_task %q declared more than once", task.Name)
		}
		seenTasks[task.Name] = struct{}{}
		dst.SideTasks = replaceByName(dst.SideTasks, task, func(t *schema.SideTask) string { return t.Name })
	}
	return nil
}

func mergePipeline(dst, src *schema.Pipeline) {
	if src.Timeout != "" {
		dst.Timeout = src.Timeout
	}
	if src.PrimaryBranch != "" {
		dst.PrimaryBranch = src.PrimaryBranch
	}
	if src.DisableConcurrentBuilds != nil {
		dst.DisableConcurrentBuilds = src.DisableConcurrentBuilds
	}
	if src.Template != "" {
		dst.Template = src.Template
	}
	if src.Dir != "" {
		dst.Dir = src.Dir
	}
	if src.DefaultNode != "" {
		dst.DefaultNode = src.DefaultNode
	}
}

// replaceByName swaps the element with the same name in place, keeping
// declaration order, or appends v.
func replaceByName[T any](list []T, v T, name func(T) string) []T {
	for i, existing := range list {
		if name(existing) == name(v) {
			list[i] = v
			return list
		}
	}
	return append(list, v)
}
