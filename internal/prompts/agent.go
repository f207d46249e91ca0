package prompts

// EmptyResponseFallback is the user-facing message returned when the
// model finishes a turn without producing any text.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// MaxAttemptsMessage is shown when a turn is aborted at the cycle ceiling.
const MaxAttemptsMessage = "I wasn't able to finish this analysis within the allowed number of steps. Try narrowing the question."
