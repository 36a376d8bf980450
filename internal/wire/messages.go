package wire

// Message is implemented by every message kind. The
// unexported encode method closes the set to this
// package, so a type switch over Message is exhaustive
// against the catalog below.
type Message interface {
	Type() MessageType
	encode(e *encoder)
}

// Register asks the controller to add or remove a
// storage node.
type Register struct {
	Kind RegistrationKind
	Host string
	Port int32
}

// RegisterResponse answers a Register.
type RegisterResponse struct {
	Status  Status
	Message string
}

// Heartbeat is a storage node's periodic capacity
// report. NewChunks maps filenames to sequences stored
// since the previous heartbeat.
type Heartbeat struct {
	Address    string
	ChunkCount int32
	FreeSpace  int64
	NewChunks  map[string][]int32
}

// WriteFileRequest asks the controller for the routing
// chain of one chunk of a file.
type WriteFileRequest struct {
	Filename   string
	Sequence   int32
	FileLength int64
	ChunkCount int32
}

// WriteFileResponse carries the routing chain for one
// sequence. Chain is empty when Able is false.
type WriteFileResponse struct {
	Sequence int32
	Able     bool
	Chain    []string
}

// WriteChunkRequest carries one chunk along its chain.
// Position is the index in Chain of the node receiving
// the message.
type WriteChunkRequest struct {
	Filename     string
	Sequence     int32
	Payload      []byte
	LastModified int64
	Chain        []string
	Position     int32
}

// Advance returns a copy with Position moved to the
// next hop. The payload and chain are shared, not
// copied.
func (w WriteChunkRequest) Advance() WriteChunkRequest { // A
	w.Position++
	return w
}

// NextHop returns the address at Position, if Position
// is still within the chain.
func (w WriteChunkRequest) NextHop() (string, bool) { // A
	if w.Position < 0 || int(w.Position) >= len(w.Chain) {
		return "", false
	}
	return w.Chain[w.Position], true
}

// RedirectChunkRequest asks a node holding a valid copy
// of a chunk to push it to Destination, keeping the
// original replication position.
type RedirectChunkRequest struct {
	Filename    string
	Sequence    int32
	Position    int32
	Destination string
}

// ReadFileRequest asks the controller for a file's
// chunk map.
type ReadFileRequest struct {
	Filename string
}

// ReadFileResponse lists, per sequence, the replica
// addresses in preference order. No chains means the
// file is unknown.
type ReadFileResponse struct {
	Filename   string
	FileLength int64
	Chains     [][]string
}

// ReadChunkRequest asks a storage node for one chunk.
type ReadChunkRequest struct {
	Filename string
	Sequence int32
}

// ReadChunkResponse carries the validated payload on
// success and nothing on failure.
type ReadChunkResponse struct {
	Status  Status
	Payload []byte
}

// ListFileRequest asks the controller for all files.
type ListFileRequest struct{}

// ListFileResponse lists every known filename.
type ListFileResponse struct {
	Filenames []string
}

func (*Register) Type() MessageType             { return TypeRegister }
func (*RegisterResponse) Type() MessageType     { return TypeRegisterResponse }
func (*Heartbeat) Type() MessageType            { return TypeHeartbeat }
func (*WriteFileRequest) Type() MessageType     { return TypeWriteFileRequest }
func (*WriteFileResponse) Type() MessageType    { return TypeWriteFileResponse }
func (*WriteChunkRequest) Type() MessageType    { return TypeWriteChunkRequest }
func (*RedirectChunkRequest) Type() MessageType { return TypeRedirectChunkRequest }
func (*ReadFileRequest) Type() MessageType      { return TypeReadFileRequest }
func (*ReadFileResponse) Type() MessageType     { return TypeReadFileResponse }
func (*ReadChunkRequest) Type() MessageType     { return TypeReadChunkRequest }
func (*ReadChunkResponse) Type() MessageType    { return TypeReadChunkResponse }
func (*ListFileRequest) Type() MessageType      { return TypeListFileRequest }
func (*ListFileResponse) Type() MessageType     { return TypeListFileResponse }

func (m *Register) encode(e *encoder) { // A
	e.u8(uint8(m.Kind))
	e.str(m.Host)
	e.i32(m.Port)
}

func decodeRegister(d *decoder) Message { // A
	return &Register{
		Kind: RegistrationKind(d.u8()),
		Host: d.str(),
		Port: d.i32(),
	}
}

func (m *RegisterResponse) encode(e *encoder) { // A
	e.u8(uint8(m.Status))
	e.str(m.Message)
}

func decodeRegisterResponse(d *decoder) Message { // A
	return &RegisterResponse{
		Status:  Status(d.u8()),
		Message: d.str(),
	}
}

func (m *Heartbeat) encode(e *encoder) { // A
	e.str(m.Address)
	e.i32(m.ChunkCount)
	e.i64(m.FreeSpace)
	e.u32(uint32(len(m.NewChunks)))
	for _, name := range sortedKeys(m.NewChunks) {
		e.str(name)
		e.i32s(m.NewChunks[name])
	}
}

func decodeHeartbeat(d *decoder) Message { // A
	m := &Heartbeat{
		Address:    d.str(),
		ChunkCount: d.i32(),
		FreeSpace:  d.i64(),
	}
	n := d.count(8)
	if n > 0 {
		m.NewChunks = make(map[string][]int32, n)
		for i := 0; i < n && d.err == nil; i++ {
			name := d.str()
			m.NewChunks[name] = d.i32s()
		}
	}
	return m
}

func (m *WriteFileRequest) encode(e *encoder) { // A
	e.str(m.Filename)
	e.i32(m.Sequence)
	e.i64(m.FileLength)
	e.i32(m.ChunkCount)
}

func decodeWriteFileRequest(d *decoder) Message { // A
	return &WriteFileRequest{
		Filename:   d.str(),
		Sequence:   d.i32(),
		FileLength: d.i64(),
		ChunkCount: d.i32(),
	}
}

func (m *WriteFileResponse) encode(e *encoder) { // A
	e.i32(m.Sequence)
	e.boolean(m.Able)
	if m.Able {
		e.strs(m.Chain)
	}
}

func decodeWriteFileResponse(d *decoder) Message { // A
	m := &WriteFileResponse{
		Sequence: d.i32(),
		Able:     d.boolean(),
	}
	if m.Able {
		m.Chain = d.strs()
	}
	return m
}

func (m *WriteChunkRequest) encode(e *encoder) { // A
	e.str(m.Filename)
	e.i32(m.Sequence)
	e.bytes(m.Payload)
	e.i64(m.LastModified)
	e.strs(m.Chain)
	e.i32(m.Position)
}

func decodeWriteChunkRequest(d *decoder) Message { // A
	return &WriteChunkRequest{
		Filename:     d.str(),
		Sequence:     d.i32(),
		Payload:      d.bytes(),
		LastModified: d.i64(),
		Chain:        d.strs(),
		Position:     d.i32(),
	}
}

func (m *RedirectChunkRequest) encode(e *encoder) { // A
	e.str(m.Filename)
	e.i32(m.Sequence)
	e.i32(m.Position)
	e.str(m.Destination)
}

func decodeRedirectChunkRequest(d *decoder) Message { // A
	return &RedirectChunkRequest{
		Filename:    d.str(),
		Sequence:    d.i32(),
		Position:    d.i32(),
		Destination: d.str(),
	}
}

func (m *ReadFileRequest) encode(e *encoder) { e.str(m.Filename) } // A

func decodeReadFileRequest(d *decoder) Message { // A
	return &ReadFileRequest{Filename: d.str()}
}

func (m *ReadFileResponse) encode(e *encoder) { // A
	e.str(m.Filename)
	e.i64(m.FileLength)
	e.u32(uint32(len(m.Chains)))
	for _, chain := range m.Chains {
		e.strs(chain)
	}
}

func decodeReadFileResponse(d *decoder) Message { // A
	m := &ReadFileResponse{
		Filename:   d.str(),
		FileLength: d.i64(),
	}
	n := d.count(4)
	if n > 0 {
		m.Chains = make([][]string, n)
		for i := range m.Chains {
			m.Chains[i] = d.strs()
		}
	}
	return m
}

func (m *ReadChunkRequest) encode(e *encoder) { // A
	e.str(m.Filename)
	e.i32(m.Sequence)
}

func decodeReadChunkRequest(d *decoder) Message { // A
	return &ReadChunkRequest{
		Filename: d.str(),
		Sequence: d.i32(),
	}
}

func (m *ReadChunkResponse) encode(e *encoder) { // A
	e.u8(uint8(m.Status))
	if m.Status == StatusSuccess {
		e.bytes(m.Payload)
	}
}

func decodeReadChunkResponse(d *decoder) Message { // A
	m := &ReadChunkResponse{Status: Status(d.u8())}
	if m.Status == StatusSuccess {
		m.Payload = d.bytes()
	}
	return m
}

func (*ListFileRequest) encode(*encoder) {} // A

func decodeListFileRequest(*decoder) Message { // A
	return &ListFileRequest{}
}

func (m *ListFileResponse) encode(e *encoder) { e.strs(m.Filenames) } // A

func decodeListFileResponse(d *decoder) Message { // A
	return &ListFileResponse{Filenames: d.strs()}
}
