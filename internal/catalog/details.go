package catalog

import (
	"fmt"
	"math"
	"strings"
)

// HumanReadableTime formats a duration in seconds, zero is "N/A".
func HumanReadableTime(sec float64) string {
	switch {
	case sec <= 0:
		return "N/A"
	case sec < 55:
		return fmt.Sprintf("%d sec", int(math.Ceil(sec/5)*5))
	case sec < 60*60:
		return fmt.Sprintf("%d min", int(math.Ceil(sec/60)))
	default:
		return fmt.Sprintf("%.1f h", sec/3600)
	}
}

// Details renders a summary of the model for display.
func (d Descriptor) Details() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s (v%s)\n", d.Title, d.Version)
	fmt.Fprintf(&b, "Description: %s\n", d.Description)
	fmt.Fprintf(&b, "Computation time on GPU: %s\n", HumanReadableTime(d.SegmentationTimeGPU))
	fmt.Fprintf(&b, "Computation time on CPU: %s\n", HumanReadableTime(d.SegmentationTimeCPU))
	fmt.Fprintf(&b, "Imaging modality: %s\n", d.ImagingModality)
	fmt.Fprintf(&b, "Subject: %s\n", d.Subject)
	segments := "N/A"
	if len(d.SegmentNames) > 0 {
		segments = strings.Join(d.SegmentNames, ", ")
	}
	fmt.Fprintf(&b, "Segments: %s", segments)
	return b.String()
}
