package wire

// EncodeToReadBatch serializes a batch of read requests back-to-back inside
// one frame payload, per spec.md §4.1's batched framing.
func EncodeToReadBatch(items []ToRead) []byte {
	w := NewWriter(len(items) * 16)
	for _, m := range items {
		m.Encode(w)
	}
	return w.Bytes()
}

// DecodeToReadBatch drains every item from a fully received frame.
func DecodeToReadBatch(payload []byte) ([]ToRead, error) {
	r := NewReader(payload)
	var out []ToRead
	for !r.Done() {
		m, err := DecodeToRead(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func EncodeFromReadBatch(items []FromRead) []byte {
	w := NewWriter(len(items) * 16)
	for _, m := range items {
		m.Encode(w)
	}
	return w.Bytes()
}

func DecodeFromReadBatch(payload []byte) ([]FromRead, error) {
	r := NewReader(payload)
	var out []FromRead
	for !r.Done() {
		m, err := DecodeFromRead(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func EncodeToWriteBatch(items []ToWrite) []byte {
	w := NewWriter(len(items) * 16)
	for _, m := range items {
		m.Encode(w)
	}
	return w.Bytes()
}

func DecodeToWriteBatch(payload []byte) ([]ToWrite, error) {
	r := NewReader(payload)
	var out []ToWrite
	for !r.Done() {
		m, err := DecodeToWrite(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func EncodeFromWriteBatch(items []FromWrite) []byte {
	w := NewWriter(len(items) * 16)
	for _, m := range items {
		m.Encode(w)
	}
	return w.Bytes()
}

func DecodeFromWriteBatch(payload []byte) ([]FromWrite, error) {
	r := NewReader(payload)
	var out []FromWrite
	for !r.Done() {
		m, err := DecodeFromWrite(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
