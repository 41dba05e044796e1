package tag

// Gateway is a non-blocking poll for the tag currently in the reader field.
// ok is false when no tag is detected on this read.
type Gateway interface {
	ReadUID() (uid string, ok bool)
}
