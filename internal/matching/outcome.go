package matching

// Candidate is a read-only expert profile offered to the engine.
type Candidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties"`
	Bio         string   `json:"bio"`
	Rating      float64  `json:"rating"`
	HourlyRate  float64  `json:"hourlyRate,omitempty"`
}

// Result is one recommendation. Confidence is always within [1,100].
type Result struct {
	CandidateID   string `json:"candidateId"`
	Confidence    int    `json:"confidence"`
	Justification string `json:"justification"`
}

// Outcome is one of Primary, Fallback or NoCandidates.
type Outcome interface {
	Kind() string
	sealed()
}

// Primary is a recommendation chosen by the language model.
type Primary struct {
	Result Result
}

// Fallback is a recommendation from local scoring. Cause is why the primary
// path was abandoned.
type Fallback struct {
	Result Result
	Cause  error
}

// NoCandidates is returned for an empty candidate set.
type NoCandidates struct{}

func (Primary) Kind() string      { return "primary" }
func (Fallback) Kind() string     { return "fallback" }
func (NoCandidates) Kind() string { return "none" }

func (Primary) sealed()      {}
func (Fallback) sealed()     {}
func (NoCandidates) sealed() {}

// Best returns the recommendation carried by an outcome, if any.
func Best(outcome Outcome) (Result, bool) {
	switch o := outcome.(type) {
	case Primary:
		return o.Result, true
	case Fallback:
		return o.Result, true
	default:
		return Result{}, false
	}
}
