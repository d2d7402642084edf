package moq

// Announce declares that the sender publishes tracks under Namespace.
type Announce struct {
	RequestID uint64
	Namespace []string
	Params    Parameters
}

func (m *Announce) Type() uint64 { return MsgAnnounce }

func (m *Announce) encode(e *encoder) {
	e.varint(m.RequestID)
	e.tuple(m.Namespace)
	e.keyValues(m.Params)
}

func (m *Announce) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if m.Namespace, err = r.readTuple(); err != nil {
		return &ParseError{Field: "namespace", Err: err}
	}
	m.Params, err = readParams(r)
	return err
}

// AnnounceOK accepts an Announce.
type AnnounceOK struct {
	RequestID uint64
}

func (m *AnnounceOK) Type() uint64 { return MsgAnnounceOK }

func (m *AnnounceOK) encode(e *encoder) { e.varint(m.RequestID) }

func (m *AnnounceOK) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	return nil
}

// AnnounceError rejects an Announce.
type AnnounceError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

func (m *AnnounceError) Type() uint64 { return MsgAnnounceError }

func (m *AnnounceError) encode(e *encoder) {
	e.varint(m.RequestID)
	e.varint(m.ErrorCode)
	e.string(m.ReasonPhrase)
}

func (m *AnnounceError) decode(r *bufReader) error {
	return decodeRequestError(r, &m.RequestID, &m.ErrorCode, &m.ReasonPhrase)
}

// Unannounce withdraws a namespace.
type Unannounce struct {
	Namespace []string
}

func (m *Unannounce) Type() uint64 { return MsgUnannounce }

func (m *Unannounce) encode(e *encoder) { e.tuple(m.Namespace) }

func (m *Unannounce) decode(r *bufReader) error {
	var err error
	if m.Namespace, err = r.readTuple(); err != nil {
		return &ParseError{Field: "namespace", Err: err}
	}
	return nil
}

// AnnounceCancel withdraws acceptance of a previously accepted namespace.
type AnnounceCancel struct {
	Namespace    []string
	ErrorCode    uint64
	ReasonPhrase string
}

func (m *AnnounceCancel) Type() uint64 { return MsgAnnounceCancel }

func (m *AnnounceCancel) encode(e *encoder) {
	e.tuple(m.Namespace)
	e.varint(m.ErrorCode)
	e.string(m.ReasonPhrase)
}

func (m *AnnounceCancel) decode(r *bufReader) error {
	var err error
	if m.Namespace, err = r.readTuple(); err != nil {
		return &ParseError{Field: "namespace", Err: err}
	}
	if m.ErrorCode, err = r.readVarint(); err != nil {
		return &ParseError{Field: "error_code", Err: err}
	}
	if m.ReasonPhrase, err = r.readString(); err != nil {
		return &ParseError{Field: "reason_phrase", Err: err}
	}
	return nil
}
