package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		conflictingLifecyclePolicy(),
		resourceNamingPolicy(),
	}
}

// conflictingLifecyclePolicy forbids declaring the same resource both
// present and absent within one run, unless the declaration opts into
// recreation.
func conflictingLifecyclePolicy() Policy {
	return Policy{
		Name:        "conflicting-lifecycle",
		Description: "Forbids declaring a resource both present and absent in one run unless recreation is declared",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle", "safety"},
		Rego: `package fixpoint.lifecycle

import rego.v1

deny contains violation if {
	some a in input.chunks
	a.fun == "absent"
	some p in input.chunks
	p.fun != "absent"
	p.state == a.state
	p.name == a.name
	not recreate_declared(a.state, a.name)
	violation := {
		"message": sprintf("resource %s:%s is declared both present and absent in one run", [a.state, a.name]),
		"severity": "error",
		"tag": a.tag,
	}
}

recreate_declared(state_ref, name) if {
	some c in input.chunks
	c.state == state_ref
	c.name == name
	c.recreate_on_update
}
`,
	}
}

// resourceNamingPolicy warns on resource names outside the conventional
// character set. It is an example more than a rule, so it only warns.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Warns when resource names stray from lowercase letters, digits, and ._/- separators",
		Severity:    SeverityWarn,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package fixpoint.naming

import rego.v1

deny contains violation if {
	some chunk in input.chunks
	not regex.match("^[a-z0-9][a-z0-9._/-]*$", chunk.name)
	violation := {
		"message": sprintf("resource name '%s' does not follow naming conventions", [chunk.name]),
		"severity": "warn",
		"tag": chunk.tag,
	}
}
`,
	}
}
