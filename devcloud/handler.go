package devcloud

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/cvm-deployer/compose"
	"github.com/ruteri/cvm-deployer/cryptoutils"
	"github.com/ruteri/cvm-deployer/cvmapi"
	"github.com/ruteri/cvm-deployer/interfaces"
	"github.com/ruteri/cvm-deployer/kms"
	"go.uber.org/atomic"
)

// fmspec reported for every provisioned CVM.
const fmspec = "00806f050000"

// Handler serves the CVM API from memory. CVMs are records only: nothing is
// booted, but every env blob is decrypted with the key issued for its app so
// clients are checked end to end.
type Handler struct {
	apiKey  string
	teepods []interfaces.Teepod
	kms     []interfaces.KMSInfo
	rand    io.Reader
	log     *slog.Logger

	state   *state
	keyring *kms.SimpleKMS

	pubkeysIssued atomic.Int64
	cvmsCreated   atomic.Int64
	provisioned   atomic.Int64
	rejected      atomic.Int64
}

// Stats are the request counters exposed on /stats.
type Stats struct {
	PubkeysIssued int64 `json:"pubkeys_issued"`
	CVMsCreated   int64 `json:"cvms_created"`
	Provisioned   int64 `json:"provisioned"`
	Rejected      int64 `json:"rejected"`
}

// NewHandler creates a handler with an empty state.
func NewHandler(cfg *Config) (*Handler, error) {
	h := &Handler{
		apiKey:  cfg.APIKey,
		teepods: cfg.Teepods,
		kms:     cfg.KMS,
		rand:    cfg.Rand,
		log:     cfg.Log,
		state:   newState(),
	}
	if h.rand == nil {
		h.rand = rand.Reader
	}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	seed := cfg.KMSSeed
	if seed == nil {
		seed = make([]byte, 32)
		if _, err := io.ReadFull(h.rand, seed); err != nil {
			return nil, fmt.Errorf("could not generate kms seed: %w", err)
		}
	}
	keyring, err := kms.NewSimpleKMS(seed)
	if err != nil {
		return nil, err
	}
	h.keyring = keyring
	return h, nil
}

// KMSSigner is the address KMS env pubkey signatures recover to.
func (h *Handler) KMSSigner() common.Address {
	return h.keyring.SignerAddress()
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/cvms/pubkey/from_cvm_configuration", h.HandlePubkey)
	r.Post("/cvms/from_cvm_configuration", h.HandleCreate)
	r.Get("/teepods/available", h.HandleTeepods)
	r.Get("/cvms/{cvm_id}/compose", h.HandleGetCompose)
	r.Put("/cvms/{cvm_id}/compose", h.HandleUpdateCompose)
	r.Post("/cvms/{vm_uuid}/replicas", h.HandleReplica)
	r.Get("/apps/{app_id}/cvms", h.HandleAppCVMs)
	r.Get("/kms/{kms_id}", h.HandleKMS)
	r.Get("/kms/{kms_id}/pubkey/{app_id}", h.HandleKMSPubkey)
	r.Post("/cvms/provision", h.HandleProvision)
	r.Post("/cvms", h.HandleCommit)
	r.Get("/cvms/{cvm_id}", h.HandleGetCVM)
	r.Get("/cvms/{cvm_id}/compose_file", h.HandleGetComposeFile)
	r.Post("/cvms/{cvm_id}/compose_file/provision", h.HandleProvisionComposeUpdate)
	r.Patch("/cvms/{cvm_id}/compose_file", h.HandleCommitComposeUpdate)
}

// RequireAPIKey rejects requests without the configured x-api-key.
func (h *Handler) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(cvmapi.APIKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			writeDetail(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Stats() Stats {
	return Stats{
		PubkeysIssued: h.pubkeysIssued.Load(),
		CVMsCreated:   h.cvmsCreated.Load(),
		Provisioned:   h.provisioned.Load(),
		Rejected:      h.rejected.Load(),
	}
}

// CVMEnv returns the decrypted environment a CVM was created or last updated with.
func (h *Handler) CVMEnv(cvmID string) (interfaces.EnvVars, bool) {
	rec, ok := h.state.findCVM(cvmID)
	if !ok {
		return nil, false
	}
	return rec.Env, true
}

// HandlePubkey issues a fresh app key pair and salt for a VM configuration.
//
// URL format: POST /cvms/pubkey/from_cvm_configuration
func (h *Handler) HandlePubkey(w http.ResponseWriter, r *http.Request) {
	var vmConfig interfaces.VMConfig
	if !decodeBody(w, r, &vmConfig) {
		h.rejected.Inc()
		return
	}

	var is issues
	h.validateVMConfig(&is, vmConfig)
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	privateKey, publicKey, err := cryptoutils.GenerateX25519KeyPair(h.rand)
	if err != nil {
		h.internalError(w, "could not generate app key", err)
		return
	}
	salt, err := h.randomHex(16)
	if err != nil {
		h.internalError(w, "could not generate salt", err)
		return
	}

	key := &appKey{
		appID:      deriveAppID(salt, vmConfig.ComposeManifest),
		salt:       salt,
		privateKey: privateKey,
		publicKey:  hex.EncodeToString(publicKey),
	}
	h.state.addPendingKey(key)
	h.pubkeysIssued.Inc()

	h.log.Debug("Issued app env pubkey", "name", vmConfig.Name, "app_id", key.appID)
	writeJSON(w, http.StatusOK, interfaces.EnvEncryptPubkey{
		AppEnvEncryptPubkey: key.publicKey,
		AppIDSalt:           key.salt,
	})
}

// HandleCreate creates a CVM from a configuration whose environment was
// encrypted to a key previously issued by HandlePubkey. A key is consumed by
// the first create attempt that names it.
//
// URL format: POST /cvms/from_cvm_configuration
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req interfaces.CreateVMRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	var is issues
	h.validateVMConfig(&is, req.VMConfig)
	if req.EncryptedEnv == "" {
		is.required("encrypted_env")
	}
	if req.AppEnvEncryptPubkey == "" {
		is.required("app_env_encrypt_pubkey")
	}
	if req.AppIDSalt == "" {
		is.required("app_id_salt")
	}
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	key, ok := h.state.claimPendingKey(req.AppEnvEncryptPubkey, req.AppIDSalt)
	if !ok {
		is.add("value_error", "Unknown app_env_encrypt_pubkey or app_id_salt", "app_env_encrypt_pubkey")
		h.reject(w, is)
		return
	}

	env, err := cryptoutils.DecryptEnvVars(key.privateKey, req.EncryptedEnv)
	if err != nil {
		is.add("value_error", "Could not decrypt environment: "+err.Error(), "encrypted_env")
		h.reject(w, is)
		return
	}
	h.warnMissingEnv(req.ComposeManifest, env)

	rec, err := h.createCVM(cvmRecord{
		Name:     req.Name,
		AppID:    key.appID,
		TeepodID: req.TeepodID,
		Image:    req.Image,
		Manifest: req.ComposeManifest,
		Env:      env,
	})
	if err != nil {
		h.internalError(w, "could not create cvm", err)
		return
	}
	writeJSON(w, http.StatusOK, h.cvmView(r, rec))
}

// HandleTeepods lists the configured nodes.
//
// URL format: GET /teepods/available
func (h *Handler) HandleTeepods(w http.ResponseWriter, r *http.Request) {
	nodes := h.teepods
	if nodes == nil {
		nodes = []interfaces.Teepod{}
	}
	writeJSON(w, http.StatusOK, interfaces.AvailableTeepods{Nodes: nodes})
}

// HandleGetCompose returns the manifest of a CVM and its app env pubkey.
//
// URL format: GET /cvms/{cvm_id}/compose
// The cvm_id is a numeric id, app_<app id>, or the vm uuid.
func (h *Handler) HandleGetCompose(w http.ResponseWriter, r *http.Request) {
	rec, key, ok := h.cvmWithKey(w, chi.URLParam(r, "cvm_id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, interfaces.ComposeState{
		ComposeFile: rec.Manifest,
		EnvPubkey:   key.publicKey,
	})
}

// HandleUpdateCompose replaces the manifest of a CVM and, when an encrypted
// env is given, its environment.
//
// URL format: PUT /cvms/{cvm_id}/compose
func (h *Handler) HandleUpdateCompose(w http.ResponseWriter, r *http.Request) {
	cvmID := chi.URLParam(r, "cvm_id")
	rec, key, ok := h.cvmWithKey(w, cvmID)
	if !ok {
		return
	}

	var req interfaces.UpdateComposeRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	var is issues
	validateComposeFile(&is, req.ComposeManifest.DockerComposeFile, "compose_manifest", "docker_compose_file")
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	env := rec.Env
	if req.EncryptedEnv != "" {
		var err error
		env, err = cryptoutils.DecryptEnvVars(key.privateKey, req.EncryptedEnv)
		if err != nil {
			is.add("value_error", "Could not decrypt environment: "+err.Error(), "encrypted_env")
			h.reject(w, is)
			return
		}
	}

	updated, ok := h.state.updateCVM(cvmID, func(rec *cvmRecord) {
		rec.Manifest = req.ComposeManifest
		rec.Env = env
		rec.Status = "updating"
	})
	if !ok {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return
	}

	h.log.Info("CVM compose updated", "vm_uuid", updated.VMUUID, "env_updated", req.EncryptedEnv != "")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       updated.Status,
		"compose_hash": composeHash(updated.Manifest),
		"vm_uuid":      updated.VMUUID,
	})
}

// HandleReplica starts another CVM of the same app, optionally on another
// node and with a new environment.
//
// URL format: POST /cvms/{vm_uuid}/replicas
func (h *Handler) HandleReplica(w http.ResponseWriter, r *http.Request) {
	vmUUID := chi.URLParam(r, "vm_uuid")
	if _, err := uuid.Parse(vmUUID); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid vm uuid")
		return
	}
	source, key, ok := h.cvmWithKey(w, vmUUID)
	if !ok {
		return
	}

	var req interfaces.ReplicaRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	teepodID := source.TeepodID
	if req.TeepodID != nil {
		teepodID = *req.TeepodID
	}

	var is issues
	if _, found := h.teepod(teepodID); !found {
		is.add("value_error", fmt.Sprintf("Teepod %d is not available", teepodID), "teepod_id")
	}
	env := source.Env
	if req.EncryptedEnv != "" {
		var err error
		env, err = cryptoutils.DecryptEnvVars(key.privateKey, req.EncryptedEnv)
		if err != nil {
			is.add("value_error", "Could not decrypt environment: "+err.Error(), "encrypted_env")
		}
	}
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	rec, err := h.createCVM(cvmRecord{
		Name:     source.Name,
		AppID:    source.AppID,
		TeepodID: teepodID,
		Image:    source.Image,
		Manifest: source.Manifest,
		Env:      env,
	})
	if err != nil {
		h.internalError(w, "could not create replica", err)
		return
	}
	writeJSON(w, http.StatusOK, h.cvmView(r, rec))
}

// HandleAppCVMs lists the CVMs of an app.
//
// URL format: GET /apps/{app_id}/cvms
func (h *Handler) HandleAppCVMs(w http.ResponseWriter, r *http.Request) {
	appID := normalizeHex(strings.TrimPrefix(chi.URLParam(r, "app_id"), "app_"))

	out := []interfaces.AppCVM{}
	for _, rec := range h.state.appCVMs(appID) {
		var cvm interfaces.AppCVM
		cvm.Name = rec.Name
		cvm.Hosted.ID = rec.VMUUID
		if node, found := h.teepod(rec.TeepodID); found {
			cvm.Node.Name = node.Name
			cvm.Node.RegionIdentifier = node.RegionIdentifier
		}
		out = append(out, cvm)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleKMS returns a configured KMS.
//
// URL format: GET /kms/{kms_id}
func (h *Handler) HandleKMS(w http.ResponseWriter, r *http.Request) {
	info, found := h.kmsInfo(chi.URLParam(r, "kms_id"))
	if !found {
		writeDetail(w, http.StatusNotFound, "KMS not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleProvision registers a CVM configuration with a KMS and returns the
// identifiers the app must be registered with onchain before committing.
//
// URL format: POST /cvms/provision
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req interfaces.ProvisionRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	var is issues
	if req.Name == "" {
		is.required("name")
	}
	if req.Image == "" {
		is.required("image")
	}
	is.positive(req.VCPU, "vcpu")
	is.positive(req.Memory, "memory")
	is.positive(req.DiskSize, "disk_size")
	validateComposeFile(&is, req.ComposeFile.DockerComposeFile, "compose_file", "docker_compose_file")
	node, found := h.teepod(req.NodeID)
	if !found {
		is.add("value_error", fmt.Sprintf("Node %d is not available", req.NodeID), "node_id")
	}
	if _, found := h.kmsInfo(req.KMSID); !found {
		is.add("value_error", fmt.Sprintf("KMS %q not found", req.KMSID), "kms_id")
	}
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	appID, err := h.randomHex(20)
	if err != nil {
		h.internalError(w, "could not generate app id", err)
		return
	}

	p := &provision{
		appID:       appID,
		kmsID:       req.KMSID,
		composeHash: composeHash(req.ComposeFile),
		request:     req,
	}
	h.state.addProvision(p)
	h.provisioned.Inc()

	h.log.Info("CVM provisioned", "app_id", appID, "kms_id", req.KMSID, "node_id", req.NodeID)
	writeJSON(w, http.StatusOK, interfaces.ProvisionResult{
		AppID:       appID,
		Fmspec:      fmspec,
		DeviceID:    sha256Hex([]byte("device:" + node.Name)),
		OSImageHash: sha256Hex([]byte(req.Image)),
		ComposeHash: p.composeHash,
	})
}

// HandleKMSPubkey returns the signed env encryption key of a provisioned app.
// KMS app keys are derived from the KMS seed, so they survive restarts.
//
// URL format: GET /kms/{kms_id}/pubkey/{app_id}
func (h *Handler) HandleKMSPubkey(w http.ResponseWriter, r *http.Request) {
	kmsID := chi.URLParam(r, "kms_id")
	appID, err := interfaces.NewAppIDFromHex(chi.URLParam(r, "app_id"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid app id")
		return
	}

	if !h.servesApp(kmsID, appID.String()) {
		writeDetail(w, http.StatusNotFound, "App is not provisioned with this KMS")
		return
	}

	pubkey, err := h.keyring.AppEnvPubkey(appID)
	if err != nil {
		h.internalError(w, "could not derive app key", err)
		return
	}
	_, err = h.state.appKeyOrCreate(appID.String(), func() (*appKey, error) {
		privateKey, _, err := h.keyring.AppEnvKey(appID)
		if err != nil {
			return nil, err
		}
		return &appKey{appID: appID.String(), kmsID: kmsID, privateKey: privateKey, publicKey: pubkey.PublicKey}, nil
	})
	if err != nil {
		h.internalError(w, "could not derive app key", err)
		return
	}
	h.pubkeysIssued.Inc()

	writeJSON(w, http.StatusOK, pubkey)
}

type commitResponse struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	AppID           string `json:"app_id"`
	VMUUID          string `json:"vm_uuid"`
	KMSID           string `json:"kms_id"`
	ContractAddress string `json:"contract_address"`
}

// HandleCommit creates the CVM of a provisioned app. The compose hash must be
// the one returned by provisioning and env_keys must name exactly the
// variables in the encrypted env.
//
// URL format: POST /cvms
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	var req interfaces.CommitRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	var is issues
	appID := normalizeHex(req.AppID)
	p, found := h.state.provision(appID)
	switch {
	case req.AppID == "":
		is.required("app_id")
	case !found:
		is.add("value_error", "App is not provisioned", "app_id")
	case normalizeHex(req.ComposeHash) != p.composeHash:
		is.add("value_error", "Compose hash does not match the provisioned compose file", "compose_hash")
	}
	if !common.IsHexAddress(req.ContractAddress) {
		is.add("value_error", "Invalid contract address", "contract_address")
	}
	if req.EncryptedEnv == "" {
		is.required("encrypted_env")
	}
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	id, err := interfaces.NewAppIDFromHex(appID)
	if err != nil {
		is.add("value_error", "Invalid app id", "app_id")
		h.reject(w, is)
		return
	}
	privateKey, publicKey, err := h.keyring.AppEnvKey(id)
	if err != nil {
		h.internalError(w, "could not derive app key", err)
		return
	}
	env, err := cryptoutils.DecryptEnvVars(privateKey, req.EncryptedEnv)
	if err != nil {
		is.add("value_error", "Could not decrypt environment: "+err.Error(), "encrypted_env")
		h.reject(w, is)
		return
	}
	if !sameKeys(env.Keys(), req.EnvKeys) {
		is.add("value_error", "env_keys do not match the encrypted environment", "env_keys")
		h.reject(w, is)
		return
	}

	if _, found := h.state.takeProvision(appID); !found {
		writeDetail(w, http.StatusConflict, "App was already committed")
		return
	}
	h.state.appKeyOrCreate(appID, func() (*appKey, error) {
		return &appKey{appID: appID, kmsID: p.kmsID, privateKey: privateKey, publicKey: hex.EncodeToString(publicKey)}, nil
	})

	rec, err := h.createCVM(cvmRecord{
		Name:            p.request.Name,
		AppID:           appID,
		TeepodID:        p.request.NodeID,
		Image:           p.request.Image,
		KMSID:           p.kmsID,
		ContractAddress: req.ContractAddress,
		Manifest: interfaces.ComposeManifest{
			Name:              p.request.Name,
			DockerComposeFile: p.request.ComposeFile.DockerComposeFile,
			PreLaunchScript:   p.request.ComposeFile.PreLaunchScript,
		},
		Env: env,
	})
	if err != nil {
		h.internalError(w, "could not create cvm", err)
		return
	}

	writeJSON(w, http.StatusOK, commitResponse{
		ID:              rec.ID,
		Name:            rec.Name,
		Status:          rec.Status,
		AppID:           rec.AppID,
		VMUUID:          rec.VMUUID,
		KMSID:           rec.KMSID,
		ContractAddress: rec.ContractAddress,
	})
}

// servesApp reports whether kmsID holds the key of appID, either for a
// pending provision or for an app committed with it.
func (h *Handler) servesApp(kmsID, appID string) bool {
	if p, found := h.state.provision(appID); found && p.kmsID == kmsID {
		return true
	}
	key, found := h.state.appKey(appID)
	return found && key.kmsID != "" && key.kmsID == kmsID
}

// HandleGetCVM returns a CVM.
//
// URL format: GET /cvms/{cvm_id}
func (h *Handler) HandleGetCVM(w http.ResponseWriter, r *http.Request) {
	rec, found := h.state.findCVM(chi.URLParam(r, "cvm_id"))
	if !found {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return
	}
	writeJSON(w, http.StatusOK, h.cvmView(r, rec))
}

// HandleGetComposeFile returns the compose manifest of a CVM.
//
// URL format: GET /cvms/{cvm_id}/compose_file
func (h *Handler) HandleGetComposeFile(w http.ResponseWriter, r *http.Request) {
	rec, found := h.state.findCVM(chi.URLParam(r, "cvm_id"))
	if !found {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return
	}
	writeJSON(w, http.StatusOK, rec.Manifest)
}

// HandleProvisionComposeUpdate stages a new compose manifest for a KMS-backed
// CVM and returns its hash, which the app contract must allow before commit.
// A later provision replaces a pending one.
//
// URL format: POST /cvms/{cvm_id}/compose_file/provision
func (h *Handler) HandleProvisionComposeUpdate(w http.ResponseWriter, r *http.Request) {
	cvmID := chi.URLParam(r, "cvm_id")
	rec, found := h.state.findCVM(cvmID)
	if !found {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return
	}
	if rec.KMSID == "" {
		writeDetail(w, http.StatusBadRequest, "CVM is not deployed with an onchain KMS")
		return
	}

	var req interfaces.ComposeUpdateProvisionRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	var is issues
	validateComposeFile(&is, req.AppCompose.DockerComposeFile, "app_compose", "docker_compose_file")
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	pending := &composeUpdate{manifest: req.AppCompose, hash: composeHash(req.AppCompose)}
	if _, ok := h.state.updateCVM(cvmID, func(rec *cvmRecord) { rec.PendingUpdate = pending }); !ok {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return
	}
	h.provisioned.Inc()

	h.log.Info("Compose update provisioned", "vm_uuid", rec.VMUUID, "compose_hash", pending.hash)
	writeJSON(w, http.StatusOK, interfaces.ComposeUpdateProvision{
		ComposeHash: pending.hash,
		AppID:       rec.AppID,
	})
}

// HandleCommitComposeUpdate applies the pending compose update of a CVM. The
// env is decrypted with the KMS key of the app and env_keys must name exactly
// its variables, all of them allowed by the new manifest.
//
// URL format: PATCH /cvms/{cvm_id}/compose_file
func (h *Handler) HandleCommitComposeUpdate(w http.ResponseWriter, r *http.Request) {
	cvmID := chi.URLParam(r, "cvm_id")
	rec, key, ok := h.cvmWithKey(w, cvmID)
	if !ok {
		return
	}

	var req interfaces.ComposeUpdateCommitRequest
	if !decodeBody(w, r, &req) {
		h.rejected.Inc()
		return
	}

	var is issues
	pending := rec.PendingUpdate
	switch {
	case req.ComposeHash == "":
		is.required("compose_hash")
	case pending == nil:
		is.add("value_error", "No compose update is provisioned", "compose_hash")
	case normalizeHex(req.ComposeHash) != pending.hash:
		is.add("value_error", "Compose hash does not match the provisioned compose file", "compose_hash")
	}
	if req.EncryptedEnv == "" {
		is.required("encrypted_env")
	}
	if len(is) > 0 {
		h.reject(w, is)
		return
	}

	env, err := cryptoutils.DecryptEnvVars(key.privateKey, req.EncryptedEnv)
	if err != nil {
		is.add("value_error", "Could not decrypt environment: "+err.Error(), "encrypted_env")
		h.reject(w, is)
		return
	}
	if !sameKeys(env.Keys(), req.EnvKeys) {
		is.add("value_error", "env_keys do not match the encrypted environment", "env_keys")
		h.reject(w, is)
		return
	}
	if allowed := pending.manifest.AllowedEnvs; allowed != nil {
		for _, k := range req.EnvKeys {
			if !slices.Contains(allowed, k) {
				is.add("value_error", fmt.Sprintf("Env %s is not in allowed_envs", k), "env_keys")
			}
		}
		if len(is) > 0 {
			h.reject(w, is)
			return
		}
	}

	var applied bool
	updated, ok := h.state.updateCVM(cvmID, func(rec *cvmRecord) {
		if rec.PendingUpdate != pending {
			return
		}
		rec.Manifest = pending.manifest
		rec.Env = env
		rec.Status = "updating"
		rec.PendingUpdate = nil
		applied = true
	})
	if !ok {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return
	}
	if !applied {
		writeDetail(w, http.StatusConflict, "Compose update was replaced or already committed")
		return
	}

	h.log.Info("CVM compose update committed", "vm_uuid", updated.VMUUID, "compose_hash", pending.hash, "env_keys", req.EnvKeys)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       updated.Status,
		"compose_hash": pending.hash,
		"vm_uuid":      updated.VMUUID,
	})
}

type cvmView struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	AppID           string `json:"app_id"`
	AppURL          string `json:"app_url"`
	VMUUID          string `json:"vm_uuid"`
	TeepodID        int    `json:"teepod_id"`
	Image           string `json:"image"`
	KMSID           string `json:"kms_id,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func (h *Handler) cvmView(r *http.Request, rec cvmRecord) cvmView {
	return cvmView{
		ID:              rec.ID,
		Name:            rec.Name,
		Status:          rec.Status,
		AppID:           rec.AppID,
		AppURL:          fmt.Sprintf("http://%s/dashboard/cvms/%s", r.Host, rec.VMUUID),
		VMUUID:          rec.VMUUID,
		TeepodID:        rec.TeepodID,
		Image:           rec.Image,
		KMSID:           rec.KMSID,
		ContractAddress: rec.ContractAddress,
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) createCVM(rec cvmRecord) (cvmRecord, error) {
	id, err := uuid.NewRandomFromReader(h.rand)
	if err != nil {
		return cvmRecord{}, err
	}
	rec.VMUUID = hyphenless(id)
	rec.Status = "creating"
	rec.CreatedAt = time.Now()

	stored := h.state.addCVM(rec)
	h.cvmsCreated.Inc()
	h.log.Info("CVM created",
		"vm_uuid", stored.VMUUID,
		"app_id", stored.AppID,
		"teepod_id", stored.TeepodID,
		"env_keys", stored.Env.Keys())
	return stored, nil
}

// cvmWithKey resolves a CVM and its app key, answering 404 itself when either is missing.
func (h *Handler) cvmWithKey(w http.ResponseWriter, cvmID string) (cvmRecord, *appKey, bool) {
	rec, found := h.state.findCVM(cvmID)
	if !found {
		writeDetail(w, http.StatusNotFound, "CVM not found")
		return cvmRecord{}, nil, false
	}
	key, found := h.state.appKey(rec.AppID)
	if !found {
		writeDetail(w, http.StatusNotFound, "App key not found")
		return cvmRecord{}, nil, false
	}
	return rec, key, true
}

func (h *Handler) validateVMConfig(is *issues, cfg interfaces.VMConfig) {
	if cfg.Name == "" {
		is.required("name")
	}
	if cfg.Image == "" {
		is.required("image")
	}
	is.positive(cfg.VCPU, "vcpu")
	is.positive(cfg.Memory, "memory")
	is.positive(cfg.DiskSize, "disk_size")
	validateComposeFile(is, cfg.ComposeManifest.DockerComposeFile, "compose_manifest", "docker_compose_file")

	node, found := h.teepod(cfg.TeepodID)
	if !found {
		is.add("value_error", fmt.Sprintf("Teepod %d is not available", cfg.TeepodID), "teepod_id")
		return
	}
	if cfg.Image != "" && !slices.ContainsFunc(node.Images, func(img interfaces.TeepodImage) bool { return img.Name == cfg.Image }) {
		is.add("value_error", fmt.Sprintf("Image %s is not available on teepod %d", cfg.Image, cfg.TeepodID), "image")
	}
}

func validateComposeFile(is *issues, raw string, loc ...any) {
	if raw == "" {
		is.required(loc...)
		return
	}
	if _, err := compose.Parse(raw); err != nil {
		is.add("value_error", err.Error(), loc...)
	}
}

func (h *Handler) warnMissingEnv(m interfaces.ComposeManifest, env interfaces.EnvVars) {
	parsed, err := compose.Parse(m.DockerComposeFile)
	if err != nil {
		return
	}
	if missing := parsed.MissingEnv(env); len(missing) > 0 {
		h.log.Warn("Compose file references variables missing from env", "missing", missing)
	}
}

func (h *Handler) teepod(id int) (interfaces.Teepod, bool) {
	for _, node := range h.teepods {
		if node.TeepodID == id {
			return node, true
		}
	}
	return interfaces.Teepod{}, false
}

func (h *Handler) kmsInfo(id string) (interfaces.KMSInfo, bool) {
	for _, info := range h.kms {
		if info.ID == id {
			return info, true
		}
	}
	return interfaces.KMSInfo{}, false
}

func (h *Handler) reject(w http.ResponseWriter, is issues) {
	h.rejected.Inc()
	h.log.Debug("Rejected request", "issues", len(is), "first", is[0].Msg)
	writeIssues(w, is)
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "err", err)
	writeDetail(w, http.StatusInternalServerError, msg)
}

func (h *Handler) randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.rand, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// deriveAppID binds the app id to the salt and the manifest it was issued for.
func deriveAppID(salt string, m interfaces.ComposeManifest) string {
	return composeHash(struct {
		Salt     string                     `json:"salt"`
		Manifest interfaces.ComposeManifest `json:"manifest"`
	}{salt, m})[:40]
}

func normalizeHex(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, "0x"))
}

func sameKeys(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
