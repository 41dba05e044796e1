package tag

// Transceiver is the MFRC522-style command set exposed by an SPI reader
// driver. Frames returned by Anticollision are 4 UID bytes plus BCC.
type Transceiver interface {
	// Request polls the field for an idle card.
	Request() (present bool, err error)
	Anticollision(level int) (frame []byte, err error)
	// Select returns the SAK byte; bit 0x04 signals another cascade level.
	Select(level int, frame []byte) (sak byte, err error)
}

const sakCascade = 0x04

// SPIReader walks up to three cascade levels per read, so 4, 7 and 10 byte
// UIDs all come out normalized.
type SPIReader struct {
	tr Transceiver
}

func NewSPIReader(tr Transceiver) *SPIReader {
	return &SPIReader{tr: tr}
}

func (r *SPIReader) ReadUID() (string, bool) {
	present, err := r.tr.Request()
	if err != nil || !present {
		return "", false
	}

	var raw []byte
	for level := 1; level <= 3; level++ {
		frame, err := r.tr.Anticollision(level)
		if err != nil || len(frame) == 0 {
			return "", false
		}
		raw = append(raw, frame...)

		sak, err := r.tr.Select(level, frame)
		if err != nil || sak&sakCascade == 0 {
			break
		}
	}

	uid, err := NormalizeUID(raw)
	if err != nil {
		return "", false
	}
	return uid, true
}
