package fulfillment

import "github.com/agrimarket/farmflow/internal/domain"

// AgentPicker selects one agent from the registry's available set. The
// set arrives least loaded first.
type AgentPicker interface {
	Pick(agents []domain.DeliveryAgent) *domain.DeliveryAgent
	Name() string
}

// FirstIdle only considers agents with no active assignment. This
// matches the historical dispatch behavior: an agent carrying 1-4
// orders is never offered new work even though capacity remains.
type FirstIdle struct{}

func (FirstIdle) Pick(agents []domain.DeliveryAgent) *domain.DeliveryAgent {
	for i := range agents {
		if agents[i].OrderCount == 0 && agents[i].IsAvailable {
			return &agents[i]
		}
	}
	return nil
}

func (FirstIdle) Name() string { return "idle" }

// LeastLoaded takes the lowest-count agent under the cap.
type LeastLoaded struct{}

func (LeastLoaded) Pick(agents []domain.DeliveryAgent) *domain.DeliveryAgent {
	for i := range agents {
		if agents[i].HasCapacity() {
			return &agents[i]
		}
	}
	return nil
}

func (LeastLoaded) Name() string { return "least-loaded" }

// PickerByName resolves the AGENT_PICK_POLICY setting; unknown values
// fall back to the historical idle policy.
func PickerByName(name string) AgentPicker {
	if name == "least-loaded" {
		return LeastLoaded{}
	}
	return FirstIdle{}
}
