package room

// An op is a single mutation descriptor on the shared storage tree, or an ack
// echo. Ops travel in UPDATE_STORAGE frames in both directions. Every non-ack
// op carries an opId assigned at dispatch time; the opId is how a client
// recognizes its own ops coming back from the server.

type OpCode int

const (
	OpCodeAck             OpCode = 0
	OpCodeCreateList      OpCode = 2
	OpCodeUpdateObject    OpCode = 3
	OpCodeCreateObject    OpCode = 4
	OpCodeSetParentKey    OpCode = 5
	OpCodeDeleteCrdt      OpCode = 6
	OpCodeDeleteObjectKey OpCode = 7
	OpCodeCreateMap       OpCode = 8
	OpCodeCreateRegister  OpCode = 9
)

// Op is the wire form of a storage mutation. Which fields are meaningful
// depends on Code:
//
//	CreateObject    id, parentId, parentKey, data (map)
//	CreateList      id, parentId, parentKey
//	CreateMap       id, parentId, parentKey
//	CreateRegister  id, parentId, parentKey, data (any json value)
//	UpdateObject    id, data (map of keys to set)
//	DeleteObjectKey id, key
//	SetParentKey    id, parentKey (new position)
//	DeleteCrdt      id
//	Ack             opId only
type Op struct {
	Code      OpCode `json:"type"`
	OpId      string `json:"opId,omitempty"`
	Id        string `json:"id,omitempty"`
	ParentId  string `json:"parentId,omitempty"`
	ParentKey string `json:"parentKey,omitempty"`
	Key       string `json:"key,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func (self *Op) isCreate() bool {
	switch self.Code {
	case OpCodeCreateObject, OpCodeCreateList, OpCodeCreateMap, OpCodeCreateRegister:
		return true
	}
	return false
}

func (self *Op) dataMap() map[string]any {
	if m, ok := self.Data.(map[string]any); ok {
		return m
	}
	return nil
}

// applySource classifies who an op is being applied on behalf of.
type applySource int

const (
	// a remote peer's op observed in an UPDATE_STORAGE broadcast
	sourceRemote applySource = iota
	// the server echoing back one of our own ops; a no-op on the replica
	sourceAck
	// a local reapply: undo, redo, or resend after reconnect
	sourceLocal
)

func (self applySource) String() string {
	switch self {
	case sourceRemote:
		return "remote"
	case sourceAck:
		return "ack"
	case sourceLocal:
		return "local"
	}
	return "unknown"
}
