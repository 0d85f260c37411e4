package devcloud

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/cvm-deployer/interfaces"
)

// appKey is the env encryption key pair of one app. kmsID is set for keys
// derived by the KMS.
type appKey struct {
	appID      string
	kmsID      string
	salt       string
	privateKey []byte
	publicKey  string
}

type cvmRecord struct {
	ID              int
	VMUUID          string
	Name            string
	AppID           string
	TeepodID        int
	Image           string
	Status          string
	KMSID           string
	ContractAddress string
	Manifest        interfaces.ComposeManifest
	Env             interfaces.EnvVars
	CreatedAt       time.Time

	// PendingUpdate is a provisioned compose update waiting for its commit.
	PendingUpdate *composeUpdate
}

type composeUpdate struct {
	manifest interfaces.ComposeManifest
	hash     string
}

type provision struct {
	appID       string
	kmsID       string
	composeHash string
	request     interfaces.ProvisionRequest
}

// state is the in-memory registry of keys, CVMs and provisions.
type state struct {
	mu sync.RWMutex

	pendingKeys map[string]*appKey // by public key hex, until a CVM is created
	appKeys     map[string]*appKey // by app id
	cvms        map[string]*cvmRecord
	cvmOrder    []string
	provisions  map[string]*provision // by app id
	nextID      int
}

func newState() *state {
	return &state{
		pendingKeys: make(map[string]*appKey),
		appKeys:     make(map[string]*appKey),
		cvms:        make(map[string]*cvmRecord),
		provisions:  make(map[string]*provision),
		nextID:      1,
	}
}

func (s *state) addPendingKey(k *appKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingKeys[k.publicKey] = k
}

// claimPendingKey removes and returns the pending key matching pubkey and salt.
func (s *state) claimPendingKey(pubkey, salt string) (*appKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.pendingKeys[normalizeHex(pubkey)]
	if !ok || k.salt != salt {
		return nil, false
	}
	delete(s.pendingKeys, k.publicKey)
	s.appKeys[k.appID] = k
	return k, true
}

func (s *state) appKey(appID string) (*appKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.appKeys[appID]
	return k, ok
}

// appKeyOrCreate returns the key of appID, creating it with newKey when missing.
func (s *state) appKeyOrCreate(appID string, newKey func() (*appKey, error)) (*appKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.appKeys[appID]; ok {
		return k, nil
	}
	k, err := newKey()
	if err != nil {
		return nil, err
	}
	s.appKeys[appID] = k
	return k, nil
}

// addCVM stores r under a fresh id and returns the stored record.
func (s *state) addCVM(r cvmRecord) cvmRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID
	s.nextID++
	stored := r
	s.cvms[r.VMUUID] = &stored
	s.cvmOrder = append(s.cvmOrder, r.VMUUID)
	return r
}

// findCVM resolves a CVM by numeric id, app_<app id>, or vm uuid with or without hyphens.
// Records are returned by value.
func (s *state) findCVM(id string) (cvmRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.lookup(id)
	if r == nil {
		return cvmRecord{}, false
	}
	return *r, true
}

// updateCVM applies fn to the CVM identified by id under the write lock.
func (s *state) updateCVM(id string, fn func(*cvmRecord)) (cvmRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.lookup(id)
	if r == nil {
		return cvmRecord{}, false
	}
	fn(r)
	return *r, true
}

func (s *state) lookup(id string) *cvmRecord {
	if appID, ok := strings.CutPrefix(id, "app_"); ok {
		for _, vmUUID := range s.cvmOrder {
			if r := s.cvms[vmUUID]; r.AppID == appID {
				return r
			}
		}
		return nil
	}
	if n, err := strconv.Atoi(id); err == nil {
		for _, r := range s.cvms {
			if r.ID == n {
				return r
			}
		}
		return nil
	}
	if parsed, err := uuid.Parse(id); err == nil {
		return s.cvms[hyphenless(parsed)]
	}
	return nil
}

func (s *state) appCVMs(appID string) []cvmRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cvmRecord
	for _, vmUUID := range s.cvmOrder {
		if r := s.cvms[vmUUID]; r.AppID == appID {
			out = append(out, *r)
		}
	}
	return out
}

func (s *state) addProvision(p *provision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisions[p.appID] = p
}

// takeProvision removes the provision of appID.
func (s *state) takeProvision(appID string) (*provision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provisions[appID]
	if ok {
		delete(s.provisions, appID)
	}
	return p, ok
}

func (s *state) provision(appID string) (*provision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.provisions[appID]
	return p, ok
}

func hyphenless(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// composeHash is the hash the server reports for a compose manifest.
func composeHash(v any) string {
	data, _ := json.Marshal(v)
	return sha256Hex(data)
}
