package ui

// Action is what a KeyFilter asks its caller to do.
type Action int

const (
	ActionNone Action = iota
	ActionDetach
)

// KeyFilter watches keyboard input for the escape key. The escape key
// followed by 'd' detaches; followed by the literal key it sends the
// escape key itself. Any other key after the escape is swallowed. The
// state carries over between chunks, so a sequence split across two
// reads is still recognised.
type KeyFilter struct {
	commandChar byte
	literalChar byte
	escaped     bool
}

// NewKeyFilter creates a filter for the given escape and literal keys.
func NewKeyFilter(commandChar, literalChar byte) *KeyFilter {
	return &KeyFilter{commandChar: commandChar, literalChar: literalChar}
}

// Filter returns the bytes of in that go to the session. When an action
// is recognised the rest of in is dropped along with it.
func (f *KeyFilter) Filter(in []byte) ([]byte, Action) {
	out := make([]byte, 0, len(in))
	for _, b := range in {
		if !f.escaped {
			if b == f.commandChar {
				f.escaped = true
				continue
			}
			out = append(out, b)
			continue
		}

		f.escaped = false
		switch b {
		case 'd':
			return out, ActionDetach
		case f.literalChar:
			out = append(out, f.commandChar)
		}
	}
	return out, ActionNone
}

// Escaped reports whether the last byte seen was the escape key.
func (f *KeyFilter) Escaped() bool { return f.escaped }
