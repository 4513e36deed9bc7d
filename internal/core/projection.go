package core

import (
	"sort"
	"time"
)

type ProjectionOptions struct {
	AverageJobDuration time.Duration
}

type JobRow struct {
	PrintJob
	NowPrinting          bool          `json:"nowPrinting"`
	EstimatedWait        time.Duration `json:"-"`
	EstimatedWaitSeconds int64         `json:"estimatedWaitSeconds"`
	Busy                 bool          `json:"busy"`
}

type PaymentRow struct {
	Payment
	Actionable bool `json:"actionable"`
	Busy       bool `json:"busy"`
}

// View is the read model served to operators.
type View struct {
	Version     uint64          `json:"version"`
	TotalJobs   int             `json:"totalJobs"`
	CurrentJob  *JobRow         `json:"currentJob"`
	WaitingJobs []JobRow        `json:"waitingJobs"`
	Payments    []PaymentRow    `json:"payments"`
	Printers    []PrinterStatus `json:"printers"`
	Workers     *WorkerStatus   `json:"workers,omitempty"`
	Commands    []CommandRecord `json:"commands"`
	Health      Health          `json:"health"`
}

// Project derives the operator view from s. It never mutates s and returns
// equal views for equal states.
func Project(s State, opts ProjectionOptions) View {
	busy := make(map[EntityRef]bool, len(s.Pending))
	for _, rec := range s.Pending {
		busy[rec.Target] = true
	}

	v := View{
		Version:     s.Version,
		WaitingJobs: []JobRow{},
		Payments:    []PaymentRow{},
		Printers:    []PrinterStatus{},
		Commands:    []CommandRecord{},
		Health:      s.Health,
		Workers:     s.Workers,
	}

	var current *PrintJob
	for i := range s.Jobs {
		j := s.Jobs[i]
		switch {
		case j.Status.IsTerminal():
			continue
		case j.Status == JobStatusPrinting:
			if current == nil || printsLater(j, *current) {
				c := j
				current = &c
			}
		default:
			v.WaitingJobs = append(v.WaitingJobs, JobRow{
				PrintJob:      j,
				EstimatedWait: estimateWait(j.QueuePosition, opts.AverageJobDuration),
				Busy:          busy[EntityRef{Kind: EntityJob, ID: j.ID}],
			})
		}
	}

	if current != nil {
		v.CurrentJob = &JobRow{
			PrintJob:    *current,
			NowPrinting: true,
			Busy:        busy[EntityRef{Kind: EntityJob, ID: current.ID}],
		}
	}

	sort.SliceStable(v.WaitingJobs, func(i, j int) bool {
		a, b := v.WaitingJobs[i], v.WaitingJobs[j]
		if a.QueuePosition != b.QueuePosition {
			if a.QueuePosition <= 0 {
				return false
			}
			if b.QueuePosition <= 0 {
				return true
			}
			return a.QueuePosition < b.QueuePosition
		}
		return a.ID < b.ID
	})
	for i := range v.WaitingJobs {
		v.WaitingJobs[i].EstimatedWaitSeconds = int64(v.WaitingJobs[i].EstimatedWait / time.Second)
	}

	v.TotalJobs = len(v.WaitingJobs)
	if v.CurrentJob != nil {
		v.TotalJobs++
	}

	for _, p := range s.Payments {
		ref := EntityRef{Kind: EntityPayment, ID: p.ID}
		v.Payments = append(v.Payments, PaymentRow{
			Payment:    p,
			Actionable: p.Status == PaymentStatusPending && !busy[ref],
			Busy:       busy[ref],
		})
	}
	sort.SliceStable(v.Payments, func(i, j int) bool {
		a, b := v.Payments[i], v.Payments[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	v.Printers = append(v.Printers, s.Printers...)
	sort.SliceStable(v.Printers, func(i, j int) bool {
		return v.Printers[i].PrinterID < v.Printers[j].PrinterID
	})

	v.Commands = append(v.Commands, s.Pending...)
	v.Commands = append(v.Commands, s.Recent...)

	return v
}

// printsLater reports whether a should be shown as the current job over b
// when both claim to be printing.
func printsLater(a, b PrintJob) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

func estimateWait(position int, avg time.Duration) time.Duration {
	wait := time.Duration(position-1) * avg
	if wait < 0 {
		return 0
	}
	return wait
}
