package domain

// FragmentKind discriminates StreamFragment variants.
type FragmentKind int

const (
	FragmentText FragmentKind = iota
	FragmentCompleted
	FragmentError
)

// StreamFragment is one item of an invocation's incremental output. A stream
// carries any number of text fragments followed by exactly one Completed or
// Error fragment.
type StreamFragment struct {
	Kind            FragmentKind
	Text            string
	FinishReason    FinishReason
	ResumptionToken string
	Usage           *Usage
	Err             *InvocationError
}

// TextFragment builds a text delta fragment.
func TextFragment(text string) StreamFragment {
	return StreamFragment{Kind: FragmentText, Text: text}
}

// CompletedFragment builds the terminal success fragment.
func CompletedFragment(reason FinishReason, token string, usage *Usage) StreamFragment {
	return StreamFragment{Kind: FragmentCompleted, FinishReason: reason, ResumptionToken: token, Usage: usage}
}

// ErrorFragment builds the terminal failure fragment.
func ErrorFragment(err *InvocationError) StreamFragment {
	return StreamFragment{Kind: FragmentError, Err: err}
}
