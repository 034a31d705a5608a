package entities

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/satriahrh/pitchline/domain"
)

// TranscriptTurn is one utterance by the user or the agent.
type TranscriptTurn struct {
	ID        string         `json:"id" bson:"id"`
	Speaker   domain.Speaker `json:"speaker" bson:"speaker"`
	Text      string         `json:"text" bson:"text"`
	IsFinal   bool           `json:"isFinal" bson:"is_final"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
}

// Transcript is the ordered turn history of a session. Partial turns are
// updated in place until finalized; final turns never change.
type Transcript struct {
	turns []TranscriptTurn
	index map[string]int
	open  map[domain.Speaker]string
	newID func() string
}

// NewTranscript uses ULIDs for turn ids unless newID is given.
func NewTranscript(newID func() string) *Transcript {
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &Transcript{
		index: make(map[string]int),
		open:  make(map[domain.Speaker]string),
		newID: newID,
	}
}

// Apply records a transcript event. An empty turnID continues the speaker's
// open partial turn, or starts a new one. The returned bool is false when the
// event was dropped because the turn is already final.
func (t *Transcript) Apply(speaker domain.Speaker, turnID, text string, isFinal bool, at time.Time) (TranscriptTurn, bool) {
	if turnID == "" {
		turnID = t.open[speaker]
		if turnID == "" {
			turnID = t.newID()
		}
	}

	if i, ok := t.index[turnID]; ok {
		turn := &t.turns[i]
		if turn.IsFinal {
			return *turn, false
		}
		turn.Text = text
		turn.IsFinal = isFinal
		turn.Timestamp = at
	} else {
		t.index[turnID] = len(t.turns)
		t.turns = append(t.turns, TranscriptTurn{
			ID:        turnID,
			Speaker:   speaker,
			Text:      text,
			IsFinal:   isFinal,
			Timestamp: at,
		})
	}

	if isFinal {
		if t.open[speaker] == turnID {
			delete(t.open, speaker)
		}
	} else {
		t.open[speaker] = turnID
	}
	return t.turns[t.index[turnID]], true
}

// AppendFinal records a complete turn in one step.
func (t *Transcript) AppendFinal(speaker domain.Speaker, text string, at time.Time) TranscriptTurn {
	turn, _ := t.Apply(speaker, t.newID(), text, true, at)
	return turn
}

// Turns returns every turn, partial ones included, in receipt order.
func (t *Transcript) Turns() []TranscriptTurn {
	out := make([]TranscriptTurn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Final returns the immutable history.
func (t *Transcript) Final() []TranscriptTurn {
	out := make([]TranscriptTurn, 0, len(t.turns))
	for _, turn := range t.turns {
		if turn.IsFinal {
			out = append(out, turn)
		}
	}
	return out
}

func (t *Transcript) Len() int {
	return len(t.turns)
}

func (t *Transcript) Clear() {
	t.turns = nil
	t.index = make(map[string]int)
	t.open = make(map[domain.Speaker]string)
}
