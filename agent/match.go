package agent

import "slices"

// JobPlan is a job ready to be assigned
type JobPlan struct {
	Pipeline string
	Stage    string
	Job      string

	// AgentUUID pins the plan to one agent; empty means unassigned
	AgentUUID string
	// ElasticPluginID, when set, leaves assignment to the elastic plugin
	ElasticPluginID string
	Resources       []string
}

// Locator identifies the job for display
func (p JobPlan) Locator() string {
	return p.Pipeline + "/" + p.Stage + "/" + p.Job
}

// RequiresElasticAgent reports whether the plan needs an elastic agent
func (p JobPlan) RequiresElasticAgent() bool {
	return p.ElasticPluginID != ""
}

// FirstMatching returns the first plan this agent can take, in list order.
// A plan matches when it is pinned to this agent, or when it is unassigned,
// needs no elastic agent, this agent is not elastic, and the agent carries
// every required resource.
func (a *Instance) FirstMatching(plans []JobPlan) (JobPlan, bool) {
	a.mu.Lock()
	uuid := a.uuid
	elastic := a.elastic.IsElastic()
	resources := a.resources
	a.mu.Unlock()

	for _, p := range plans {
		if p.AgentUUID != "" {
			if p.AgentUUID == uuid {
				return p, true
			}
			continue
		}
		if p.RequiresElasticAgent() || elastic {
			continue
		}
		if hasAll(resources, normalizeResources(p.Resources)) {
			return p, true
		}
	}
	return JobPlan{}, false
}

func hasAll(have, want []string) bool {
	for _, r := range want {
		if !slices.Contains(have, r) {
			return false
		}
	}
	return true
}
