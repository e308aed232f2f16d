package smp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// KeyBinVersion is the on-disk format version; readers reject files whose
// version does not match.
const KeyBinVersion uint16 = 0x0001

// key-presence bits of the serialized record.
const (
	binHasInitLTK  = 1 << 0
	binHasRespLTK  = 1 << 1
	binHasInitIRK  = 1 << 2
	binHasRespIRK  = 1 << 3
	binHasInitCSRK = 1 << 4
	binHasRespCSRK = 1 << 5
	binHasLinkKey  = 1 << 6
)

// LTK is one Long-Term Key with its encryption metadata. Properties bit 0
// marks a responder-side key, bit 1 an authenticated (MITM) key, bit 2 a
// Secure Connections key.
type LTK struct {
	Properties uint8
	EncSize    uint8
	EDiv       uint16
	Rand       uint64
	Key        [16]byte
}

const (
	LTKResponder     = 1 << 0
	LTKAuthenticated = 1 << 1
	LTKSecureConn    = 1 << 2
)

// IRK is one Identity Resolving Key plus the identity address it resolves
// to.
type IRK struct {
	Key              [16]byte
	IdentityAddr     [6]byte
	IdentityAddrType uint8
}

// CSRK is one Connection Signature Resolving Key.
type CSRK struct {
	Properties uint8
	Key        [16]byte
}

// LinkKey is a BR/EDR link key.
type LinkKey struct {
	Type uint8
	Key  [16]byte
}

// KeyBin is the persistent form of a completed pairing: everything needed
// to resume encryption on a later connection without re-pairing. One file
// per remote device under the user-configured key path.
type KeyBin struct {
	LocalAddr      [6]byte
	LocalAddrType  uint8
	RemoteAddr     [6]byte
	RemoteAddrType uint8

	// IsInitiator records the local pairing role.
	IsInitiator bool
	Mode        uint8
	SecLevel    uint8

	InitLTK  *LTK
	RespLTK  *LTK
	InitIRK  *IRK
	RespIRK  *IRK
	InitCSRK *CSRK
	RespCSRK *CSRK
	BRLink   *LinkKey

	Created time.Time
}

// Filename derives the deterministic file name for a remote
// address-and-type, e.g. "bd_C0_10_22_A0_10_00_1.key". addrStr is the
// canonical colon-separated form.
func Filename(addrStr string, addrType uint8) string {
	return fmt.Sprintf("bd_%s_%d.key", strings.ReplaceAll(addrStr, ":", "_"), addrType)
}

func putLTK(w *codec.Buffer, k *LTK) {
	w.PutU8(k.Properties).PutU8(k.EncSize).PutU16(k.EDiv).PutU64(k.Rand).PutBytes(k.Key[:])
}

func getLTK(r *codec.Buffer) (*LTK, error) {
	var k LTK
	var err error
	if k.Properties, err = r.GetU8(); err != nil {
		return nil, err
	}
	if k.EncSize, err = r.GetU8(); err != nil {
		return nil, err
	}
	if k.EDiv, err = r.GetU16(); err != nil {
		return nil, err
	}
	if k.Rand, err = r.GetU64(); err != nil {
		return nil, err
	}
	b, err := r.GetBytes(16)
	if err != nil {
		return nil, err
	}
	copy(k.Key[:], b)
	return &k, nil
}

func putIRK(w *codec.Buffer, k *IRK) {
	w.PutBytes(k.Key[:]).PutBytes(k.IdentityAddr[:]).PutU8(k.IdentityAddrType)
}

func getIRK(r *codec.Buffer) (*IRK, error) {
	var k IRK
	b, err := r.GetBytes(16)
	if err != nil {
		return nil, err
	}
	copy(k.Key[:], b)
	a, err := r.GetBytes(6)
	if err != nil {
		return nil, err
	}
	copy(k.IdentityAddr[:], a)
	if k.IdentityAddrType, err = r.GetU8(); err != nil {
		return nil, err
	}
	return &k, nil
}

func putCSRK(w *codec.Buffer, k *CSRK) {
	w.PutU8(k.Properties).PutBytes(k.Key[:])
}

func getCSRK(r *codec.Buffer) (*CSRK, error) {
	var k CSRK
	var err error
	if k.Properties, err = r.GetU8(); err != nil {
		return nil, err
	}
	b, err := r.GetBytes(16)
	if err != nil {
		return nil, err
	}
	copy(k.Key[:], b)
	return &k, nil
}

// Marshal serializes the key bin: version, total length, fixed header,
// presence mask, then each present key.
func (k *KeyBin) Marshal() []byte {
	body := codec.NewWriter(codec.LittleEndian)
	body.PutBytes(k.LocalAddr[:]).PutU8(k.LocalAddrType)
	body.PutBytes(k.RemoteAddr[:]).PutU8(k.RemoteAddrType)
	role := uint8(0)
	if k.IsInitiator {
		role = 1
	}
	body.PutU8(role).PutU8(k.Mode).PutU8(k.SecLevel)

	var mask uint8
	keys := codec.NewWriter(codec.LittleEndian)
	if k.InitLTK != nil {
		mask |= binHasInitLTK
		putLTK(keys, k.InitLTK)
	}
	if k.RespLTK != nil {
		mask |= binHasRespLTK
		putLTK(keys, k.RespLTK)
	}
	if k.InitIRK != nil {
		mask |= binHasInitIRK
		putIRK(keys, k.InitIRK)
	}
	if k.RespIRK != nil {
		mask |= binHasRespIRK
		putIRK(keys, k.RespIRK)
	}
	if k.InitCSRK != nil {
		mask |= binHasInitCSRK
		putCSRK(keys, k.InitCSRK)
	}
	if k.RespCSRK != nil {
		mask |= binHasRespCSRK
		putCSRK(keys, k.RespCSRK)
	}
	if k.BRLink != nil {
		mask |= binHasLinkKey
		keys.PutU8(k.BRLink.Type).PutBytes(k.BRLink.Key[:])
	}
	body.PutU8(mask)
	body.PutBytes(keys.Bytes())
	body.PutU64(uint64(k.Created.Unix()))

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU16(KeyBinVersion)
	w.PutU16(uint16(body.Len() + 4))
	w.PutBytes(body.Bytes())
	return w.Bytes()
}

// UnmarshalKeyBin parses a serialized key bin, rejecting unknown versions
// and truncated records.
func UnmarshalKeyBin(b []byte) (*KeyBin, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	version, err := r.GetU16()
	if err != nil {
		return nil, err
	}
	if version != KeyBinVersion {
		return nil, fmt.Errorf("smp: key bin version 0x%04x not supported", version)
	}
	size, err := r.GetU16()
	if err != nil {
		return nil, err
	}
	if int(size) > len(b) {
		return nil, fmt.Errorf("smp: key bin declares %d bytes, file has %d", size, len(b))
	}

	var k KeyBin
	la, err := r.GetBytes(6)
	if err != nil {
		return nil, err
	}
	copy(k.LocalAddr[:], la)
	if k.LocalAddrType, err = r.GetU8(); err != nil {
		return nil, err
	}
	ra, err := r.GetBytes(6)
	if err != nil {
		return nil, err
	}
	copy(k.RemoteAddr[:], ra)
	if k.RemoteAddrType, err = r.GetU8(); err != nil {
		return nil, err
	}
	role, err := r.GetU8()
	if err != nil {
		return nil, err
	}
	k.IsInitiator = role != 0
	if k.Mode, err = r.GetU8(); err != nil {
		return nil, err
	}
	if k.SecLevel, err = r.GetU8(); err != nil {
		return nil, err
	}
	mask, err := r.GetU8()
	if err != nil {
		return nil, err
	}
	if mask&binHasInitLTK != 0 {
		if k.InitLTK, err = getLTK(r); err != nil {
			return nil, err
		}
	}
	if mask&binHasRespLTK != 0 {
		if k.RespLTK, err = getLTK(r); err != nil {
			return nil, err
		}
	}
	if mask&binHasInitIRK != 0 {
		if k.InitIRK, err = getIRK(r); err != nil {
			return nil, err
		}
	}
	if mask&binHasRespIRK != 0 {
		if k.RespIRK, err = getIRK(r); err != nil {
			return nil, err
		}
	}
	if mask&binHasInitCSRK != 0 {
		if k.InitCSRK, err = getCSRK(r); err != nil {
			return nil, err
		}
	}
	if mask&binHasRespCSRK != 0 {
		if k.RespCSRK, err = getCSRK(r); err != nil {
			return nil, err
		}
	}
	if mask&binHasLinkKey != 0 {
		var lk LinkKey
		if lk.Type, err = r.GetU8(); err != nil {
			return nil, err
		}
		kb, err := r.GetBytes(16)
		if err != nil {
			return nil, err
		}
		copy(lk.Key[:], kb)
		k.BRLink = &lk
	}
	created, err := r.GetU64()
	if err != nil {
		return nil, err
	}
	k.Created = time.Unix(int64(created), 0)
	return &k, nil
}

// Store manages the key-bin directory: one file per paired remote device.
type Store struct {
	Dir string
	log *logrus.Entry
}

// NewStore opens (creating if needed) the key-bin directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("smp: create key path %q: %w", dir, err)
	}
	return &Store{Dir: dir, log: logrus.WithField("component", "smp.keystore")}, nil
}

// Write persists a key bin atomically: write to a temp file in the same
// directory, then rename over the final name.
func (s *Store) Write(k *KeyBin, remoteAddrStr string) error {
	name := Filename(remoteAddrStr, k.RemoteAddrType)
	final := filepath.Join(s.Dir, name)
	tmp, err := os.CreateTemp(s.Dir, name+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(k.Marshal()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return err
	}
	s.log.Debugf("wrote key bin %s", name)
	return nil
}

// Read loads the key bin for a remote address-and-type, or os.ErrNotExist.
func (s *Store) Read(remoteAddrStr string, remoteAddrType uint8) (*KeyBin, error) {
	b, err := os.ReadFile(filepath.Join(s.Dir, Filename(remoteAddrStr, remoteAddrType)))
	if err != nil {
		return nil, err
	}
	return UnmarshalKeyBin(b)
}

// LoadAll scans the directory and returns every well-formed key bin whose
// local adapter address matches localAddr; malformed files are logged and
// skipped, never fatal.
func (s *Store) LoadAll(localAddr [6]byte) ([]*KeyBin, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []*KeyBin
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".key") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			s.log.WithError(err).Warnf("skipping unreadable key bin %s", e.Name())
			continue
		}
		k, err := UnmarshalKeyBin(b)
		if err != nil {
			s.log.WithError(err).Warnf("skipping malformed key bin %s", e.Name())
			continue
		}
		if k.LocalAddr != localAddr {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Remove deletes the key bin for a remote address-and-type; removing a
// bin that does not exist is not an error.
func (s *Store) Remove(remoteAddrStr string, remoteAddrType uint8) error {
	err := os.Remove(filepath.Join(s.Dir, Filename(remoteAddrStr, remoteAddrType)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
