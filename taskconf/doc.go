// Package taskconf manages named configuration sections for task models.
//
// Each model has a YAML file in the configuration directory, named after
// the model, holding sections of property values:
//
//	default:
//	  fps: 30
//	  device: /dev/video0
//	fast:
//	  fps: 60
//
// Files using "--- name:<section>" document headers are read as well.
// Resolve merges sections in order, later ones winning, and Apply writes the
// result to a task through its handle.
package taskconf
