package orchestrator

import (
	"fmt"
	"os"

	"github.com/tabflow/tabflow/internal/config"
)

// Validate checks the run setup without executing anything: every step
// builds, every descriptor resolves and validates, and every declared
// file exists. Optional-file absence is reported as a warning; anything
// else is a problem and fails validation.
func (o *Orchestrator) Validate() error {
	var problems, warnings []string

	if _, err := o.buildPipeline(); err != nil {
		problems = append(problems, err.Error())
	}

	for role, spec := range o.cfg.Files.Roles {
		required := role == o.cfg.Files.Required
		if msg := checkDescriptor(role, spec, required); msg != "" {
			if required {
				problems = append(problems, msg)
			} else {
				warnings = append(warnings, msg)
			}
		}
	}
	for name, spec := range o.cfg.References {
		if msg := checkDescriptor("reference "+name, spec, false); msg != "" {
			warnings = append(warnings, msg)
		}
	}

	fmt.Printf("Pipeline: %s (%d steps + load)\n", o.cfg.Pipeline.Name, len(o.cfg.Steps))
	fmt.Printf("Files: %d roles, required: %s\n", len(o.cfg.Files.Roles), o.cfg.Files.Required)

	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
	for _, p := range problems {
		fmt.Printf("error: %s\n", p)
	}

	if len(problems) > 0 {
		return fmt.Errorf("validation found %d problem(s)", len(problems))
	}
	fmt.Println("Configuration is valid")
	return nil
}

// checkDescriptor resolves and validates one role's descriptor,
// returning a description of the problem or "".
func checkDescriptor(label string, spec config.RoleSpec, required bool) string {
	desc := spec.Descriptor
	if err := desc.Normalize(); err != nil {
		return fmt.Sprintf("%s: %v", label, err)
	}
	if err := desc.Validate(); err != nil {
		return fmt.Sprintf("%s: %v", label, err)
	}
	if path := desc.EffectivePath(); path != "" && path != ":memory:" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				if required {
					return fmt.Sprintf("%s: required file missing: %s", label, path)
				}
				return fmt.Sprintf("%s: optional file missing: %s", label, path)
			}
			return fmt.Sprintf("%s: checking %s: %v", label, path, err)
		}
	}
	return ""
}
