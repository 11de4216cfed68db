package domain

import "fmt"

// SubjectKind discriminates the SubjectKey variants.
type SubjectKind uint8

const (
	SubjectNone SubjectKind = iota
	SubjectFile
	SubjectProcess
	SubjectSocket
	SubjectRegistryKey
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectFile:
		return "file"
	case SubjectProcess:
		return "process"
	case SubjectSocket:
		return "socket"
	case SubjectRegistryKey:
		return "registry_key"
	default:
		return "none"
	}
}

// SubjectKey identifies the entity an event concerns: a file path, a process
// (pid plus start time, so a reused pid is a different subject), a TCP
// 4-tuple, or a registry key. The struct is comparable; equality is
// structural, which lets it serve directly as a map key for dedup and
// correlation state.
type SubjectKey struct {
	Kind SubjectKind

	// SubjectFile and SubjectRegistryKey
	Path string

	// SubjectProcess
	PID      int32
	PIDStart uint64

	// SubjectSocket
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// FileSubject keys an event to a file path.
func FileSubject(path string) SubjectKey {
	return SubjectKey{Kind: SubjectFile, Path: path}
}

// ProcessSubject keys an event to a process. start disambiguates pid reuse.
func ProcessSubject(pid int32, start uint64) SubjectKey {
	return SubjectKey{Kind: SubjectProcess, PID: pid, PIDStart: start}
}

// SocketSubject keys an event to a TCP 4-tuple.
func SocketSubject(srcIP string, srcPort uint16, dstIP string, dstPort uint16) SubjectKey {
	return SubjectKey{
		Kind:    SubjectSocket,
		SrcIP:   srcIP,
		SrcPort: srcPort,
		DstIP:   dstIP,
		DstPort: dstPort,
	}
}

// RegistrySubject keys an event to a registry key path.
func RegistrySubject(keyPath string) SubjectKey {
	return SubjectKey{Kind: SubjectRegistryKey, Path: keyPath}
}

// IsZero reports whether the key identifies nothing.
func (s SubjectKey) IsZero() bool {
	return s.Kind == SubjectNone
}

func (s SubjectKey) String() string {
	switch s.Kind {
	case SubjectFile:
		return "file:" + s.Path
	case SubjectProcess:
		return fmt.Sprintf("process:%d@%d", s.PID, s.PIDStart)
	case SubjectSocket:
		return fmt.Sprintf("socket:%s:%d->%s:%d", s.SrcIP, s.SrcPort, s.DstIP, s.DstPort)
	case SubjectRegistryKey:
		return "registry:" + s.Path
	default:
		return "none"
	}
}
