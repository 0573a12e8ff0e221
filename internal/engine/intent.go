package engine

import "strings"

// Intent is what a user message asks of a pending plan.
type Intent int

const (
	IntentNone Intent = iota
	IntentConfirm
	IntentCancel
)

// Classifier maps a user message to an Intent.
type Classifier interface {
	Classify(text string) Intent
}

// KeywordClassifier matches short confirmation and cancellation replies by
// exact token, English and Spanish. Anything longer than a bare keyword is
// treated as a regular message.
type KeywordClassifier struct{}

var confirmWords = map[string]bool{
	"confirm": true, "confirmo": true, "confirmar": true,
	"yes": true, "si": true, "sí": true, "dale": true, "ok": true,
}

var cancelWords = map[string]bool{
	"cancel": true, "cancela": true, "cancelar": true, "no": true,
}

// Classify normalizes the message and matches it against the keyword sets.
func (KeywordClassifier) Classify(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, ".,!¡?¿ ")
	switch {
	case confirmWords[t]:
		return IntentConfirm
	case cancelWords[t]:
		return IntentCancel
	default:
		return IntentNone
	}
}
