package moq

// ClientSetup is the first message sent by a MoQ client.
type ClientSetup struct {
	Versions []Version
	Params   Parameters
}

func (m *ClientSetup) Type() uint64 { return MsgClientSetup }

func (m *ClientSetup) encode(e *encoder) {
	e.varint(uint64(len(m.Versions)))
	for _, v := range m.Versions {
		e.varint(uint64(v))
	}
	e.keyValues(m.Params)
}

func (m *ClientSetup) decode(r *bufReader) error {
	n, err := r.readVarint()
	if err != nil {
		return &ParseError{Field: "num_versions", Err: err}
	}
	if n > uint64(r.remaining()) {
		return &ParseError{Field: "num_versions", Err: errShortField}
	}
	m.Versions = make([]Version, n)
	for i := range m.Versions {
		v, err := r.readVarint()
		if err != nil {
			return &ParseError{Field: "version", Err: err}
		}
		m.Versions[i] = Version(v)
	}
	if m.Params, err = readParams(r); err != nil {
		return err
	}
	return nil
}

// ServerSetup is the response to a ClientSetup.
type ServerSetup struct {
	SelectedVersion Version
	Params          Parameters
}

func (m *ServerSetup) Type() uint64 { return MsgServerSetup }

func (m *ServerSetup) encode(e *encoder) {
	e.varint(uint64(m.SelectedVersion))
	e.keyValues(m.Params)
}

func (m *ServerSetup) decode(r *bufReader) error {
	v, err := r.readVarint()
	if err != nil {
		return &ParseError{Field: "selected_version", Err: err}
	}
	m.SelectedVersion = Version(v)
	m.Params, err = readParams(r)
	return err
}

// readParams reads a parameter list and validates any authorization
// token it carries.
func readParams(r *bufReader) (Parameters, error) {
	kvs, err := r.readKeyValues()
	if err != nil {
		return nil, &ParseError{Field: "params", Err: err}
	}
	p := Parameters(kvs)
	if _, _, err := p.AuthToken(); err != nil {
		return nil, err
	}
	return p, nil
}

// GoAway signals a graceful session shutdown.
type GoAway struct {
	NewSessionURI string
}

func (m *GoAway) Type() uint64 { return MsgGoAway }

func (m *GoAway) encode(e *encoder) { e.string(m.NewSessionURI) }

func (m *GoAway) decode(r *bufReader) error {
	var err error
	if m.NewSessionURI, err = r.readString(); err != nil {
		return &ParseError{Field: "new_session_uri", Err: err}
	}
	return nil
}

// MaxRequestID raises the peer's request ID quota. Request IDs strictly
// below RequestID may be used.
type MaxRequestID struct {
	RequestID uint64
}

func (m *MaxRequestID) Type() uint64 { return MsgMaxRequestID }

func (m *MaxRequestID) encode(e *encoder) { e.varint(m.RequestID) }

func (m *MaxRequestID) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "max_request_id", Err: err}
	}
	return nil
}

// RequestsBlocked tells the peer a new request is waiting on more quota.
type RequestsBlocked struct {
	MaximumRequestID uint64
}

func (m *RequestsBlocked) Type() uint64 { return MsgRequestsBlocked }

func (m *RequestsBlocked) encode(e *encoder) { e.varint(m.MaximumRequestID) }

func (m *RequestsBlocked) decode(r *bufReader) error {
	var err error
	if m.MaximumRequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "maximum_request_id", Err: err}
	}
	return nil
}
