package process

import "github.com/ChuLiYu/procsim/pkg/types"

// View copies p into its display form.
func (p *Process) View() types.ProcessView {
	return types.ProcessView{
		PID:            int64(p.PID),
		Name:           p.Name,
		State:          p.state.String(),
		BurstTime:      p.BurstTime,
		RemainingTime:  p.RemainingTime,
		Priority:       p.Priority,
		MemoryRequired: p.MemoryRequired,
		AssignedMemory: p.AssignedMemory,
		Progress:       p.Progress(),
		ArrivalTime:    p.ArrivalTime,
		StartTime:      copyPtr(p.StartTime),
		FinishTime:     copyPtr(p.FinishTime),
		WaitingTime:    p.WaitingTime,
		TurnaroundTime: p.TurnaroundTime,
		ResponseTime:   copyPtr(p.ResponseTime),
	}
}

func copyPtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
