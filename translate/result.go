package translate

// Status tags a Result as generated or failed.
type Status int

const (
	Success Status = iota
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// FailureCommand replaces the command of a prompt whose retries are exhausted.
const FailureCommand = "ERROR: Failed to generate command"

// Result is the outcome for one prompt. Only Instruction and Command are serialized.
type Result struct {
	Instruction string `json:"instruction"`
	Command     string `json:"command"`

	Status   Status `json:"-"`
	Attempts int    `json:"-"`
}

func success(prompt, command string, attempts int) Result {
	return Result{
		Instruction: prompt,
		Command:     command,
		Status:      Success,
		Attempts:    attempts,
	}
}

func failure(prompt string, attempts int) Result {
	return Result{
		Instruction: prompt,
		Command:     FailureCommand,
		Status:      Failure,
		Attempts:    attempts,
	}
}

func (r Result) OK() bool {
	return r.Status == Success
}
