package merge

// Status is the terminal outcome for one recipient.
type Status string

const (
	// StatusSent means the message was accepted by the delivery API.
	StatusSent Status = "sent"

	// StatusPreviewed means the message was fully rendered in dry-run mode.
	StatusPreviewed Status = "previewed"

	// StatusFailed means rendering, assembly, or delivery failed for this
	// recipient. The rest of the run is unaffected.
	StatusFailed Status = "failed"
)

// SendResult records the outcome for one recipient.
type SendResult struct {
	RecipientEmail string
	Status         Status
	Reason         string
}

// Summary aggregates the results of one run in recipient order.
type Summary struct {
	Results   []SendResult
	Sent      int
	Previewed int
	Failed    int
}

func (s *Summary) add(r SendResult) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusSent:
		s.Sent++
	case StatusPreviewed:
		s.Previewed++
	case StatusFailed:
		s.Failed++
	}
}

// FailedResults returns the failed results in recipient order.
func (s *Summary) FailedResults() []SendResult {
	var out []SendResult
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}
