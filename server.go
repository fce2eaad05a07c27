package rollupboost

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/httplog/v2"
)

var errInvalidParams = errors.New("invalid params")

// RollupBoostServer coordinates the three stateful Engine API methods
// across the L2 node and the builder. The L2 node is authoritative for
// chain state; the builder only ever contributes payload bodies.
type RollupBoostServer struct {
	l2        *ExecutionClient
	builder   *ExecutionClient
	boostSync bool
	payloads  *payloadStore
	log       *httplog.Logger
	metrics   *Metrics
}

func NewRollupBoostServer(l2, builder *ExecutionClient, boostSync bool, log *httplog.Logger, metrics *Metrics) *RollupBoostServer {
	return &RollupBoostServer{
		l2:        l2,
		builder:   builder,
		boostSync: boostSync,
		payloads:  newPayloadStore(defaultPayloadTTL, metrics.setContextSize),
		log:       log,
		metrics:   metrics,
	}
}

func (s *RollupBoostServer) Close() {
	s.payloads.close()
}

// HandleEngine executes one multiplexed engine method and returns the
// JSON result to send back under the client's request id.
func (s *RollupBoostServer) HandleEngine(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	switch {
	case strings.HasPrefix(method, "engine_forkchoiceUpdated"):
		return s.forkchoiceUpdated(ctx, method, params)
	case strings.HasPrefix(method, "engine_getPayload"):
		return s.getPayload(ctx, method, params)
	case strings.HasPrefix(method, "engine_newPayload"):
		return s.newPayload(ctx, method, params)
	default:
		return nil, fmt.Errorf("method %s is not multiplexed", method)
	}
}

// forkchoiceUpdated applies the fork choice on the L2 node first and
// only then, if a payload build was started, arms the builder in the
// background. The driver only ever sees the L2 payload ID.
func (s *RollupBoostServer) forkchoiceUpdated(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	resp, err := s.l2.ForkchoiceUpdated(ctx, method, params)
	if err != nil {
		return nil, err
	}

	attrs := paramAt(params, 1)
	switch {
	case attrs != nil && resp.PayloadID != nil:
		entry := &payloadContext{
			l2PayloadID:    *resp.PayloadID,
			attributesHash: crypto.Keccak256Hash(attrs),
			boostSync:      s.boostSync,
			createdAt:      time.Now(),
			state:          payloadArmed,
		}
		if raw := paramAt(params, 0); raw != nil {
			var state engine.ForkchoiceStateV1
			if err := json.Unmarshal(raw, &state); err == nil {
				entry.headBlockHash = state.HeadBlockHash
			}
		}
		var attrFields struct {
			ParentBeaconBlockRoot *common.Hash `json:"parentBeaconBlockRoot"`
		}
		if err := json.Unmarshal(attrs, &attrFields); err == nil {
			entry.beaconRoot = attrFields.ParentBeaconBlockRoot
		}
		s.payloads.put(entry)

		go s.armBuilder(method, params, *resp.PayloadID)

	case s.boostSync:
		// Keep the builder's head moving even when no block is being
		// built; its acknowledgment is only a sync hint.
		go func() {
			if _, err := s.builder.ForkchoiceUpdated(context.Background(), method, params); err != nil {
				s.metrics.fanoutError(method)
				s.log.Debug("builder forkchoice sync failed", "method", method, "err", err)
			}
		}()
	}

	return json.Marshal(resp)
}

// armBuilder runs detached from the request: the driver never waits on
// the builder, and a builder failure just leaves the context without a
// builder payload ID so getPayload falls through to the L2 node.
func (s *RollupBoostServer) armBuilder(method string, params []json.RawMessage, l2ID engine.PayloadID) {
	resp, err := s.builder.ForkchoiceUpdated(context.Background(), method, params)
	if err != nil {
		s.metrics.fanoutError(method)
		s.log.Warn("builder forkchoiceUpdated failed", "method", method, "err", err)
		return
	}
	if resp.PayloadID == nil {
		s.log.Warn("builder accepted forkchoice but returned no payload id", "method", method, "l2_payload_id", l2ID)
		return
	}
	if !s.payloads.setBuilderPayloadID(l2ID, *resp.PayloadID) {
		s.log.Debug("payload context expired before builder ack", "l2_payload_id", l2ID)
		return
	}
	s.log.Info("builder armed for payload", "l2_payload_id", l2ID, "builder_payload_id", *resp.PayloadID)
}

func (s *RollupBoostServer) getPayload(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	raw := paramAt(params, 0)
	if raw == nil {
		return nil, errInvalidParams
	}
	var id engine.PayloadID
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, errInvalidParams
	}

	entry, ok := s.payloads.get(id)
	if !ok {
		// Unknown or expired context: the L2 node still owns the
		// payload ID the driver is asking about.
		envelope, err := s.l2.GetPayload(ctx, method, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelope)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state == payloadResolved && entry.selected != nil {
		return entry.selected, nil
	}
	entry.state = payloadAwaiting

	selected, err := s.selectPayload(ctx, method, entry)
	if err != nil {
		return nil, err
	}
	entry.state = payloadResolved
	entry.selected = selected
	return selected, nil
}

// selectPayload queries both endpoints and applies the selection rule:
// the builder payload wins only when it is timely, well-formed, and
// consistent with the L2 node's view of the block being built.
func (s *RollupBoostServer) selectPayload(ctx context.Context, method string, entry *payloadContext) (json.RawMessage, error) {
	if entry.builderPayloadID == nil {
		envelope, err := s.l2.GetPayload(ctx, method, entry.l2PayloadID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelope)
	}

	type result struct {
		envelope *engine.ExecutionPayloadEnvelope
		err      error
	}
	l2Ch := make(chan result, 1)
	builderCh := make(chan result, 1)
	go func() {
		envelope, err := s.l2.GetPayload(ctx, method, entry.l2PayloadID)
		l2Ch <- result{envelope, err}
	}()
	go func() {
		envelope, err := s.builder.GetPayload(ctx, method, *entry.builderPayloadID)
		builderCh <- result{envelope, err}
	}()
	l2Res := <-l2Ch
	builderRes := <-builderCh

	if builderRes.err != nil || !wellFormedEnvelope(builderRes.envelope) {
		s.metrics.fanoutError(method)
		s.log.Warn("builder getPayload failed, falling back to l2",
			"builder_payload_id", *entry.builderPayloadID, "err", builderRes.err)
		if l2Res.err != nil {
			return nil, l2Res.err
		}
		return json.Marshal(l2Res.envelope)
	}

	if l2Res.err == nil && !payloadsConsistent(builderRes.envelope.ExecutionPayload, l2Res.envelope.ExecutionPayload) {
		s.metrics.mismatch()
		s.log.Warn("builder payload does not extend the expected head",
			"builder_parent", builderRes.envelope.ExecutionPayload.ParentHash,
			"l2_parent", l2Res.envelope.ExecutionPayload.ParentHash)
		return json.Marshal(l2Res.envelope)
	}

	// The builder block wins. Hand it to the L2 node ahead of the
	// driver's own newPayload so validation and indexing start early.
	s.log.Info("selected builder payload",
		"block_hash", builderRes.envelope.ExecutionPayload.BlockHash,
		"block_number", builderRes.envelope.ExecutionPayload.Number)
	go s.pushPayloadToL2(method, builderRes.envelope, entry.beaconRoot)

	return json.Marshal(builderRes.envelope)
}

func wellFormedEnvelope(envelope *engine.ExecutionPayloadEnvelope) bool {
	return envelope != nil &&
		envelope.ExecutionPayload != nil &&
		envelope.ExecutionPayload.BlockHash != (common.Hash{})
}

// payloadsConsistent checks the builder block builds on the same
// parent at the same height as the L2 block.
func payloadsConsistent(builder, l2 *engine.ExecutableData) bool {
	if l2 == nil {
		return true
	}
	return builder.ParentHash == l2.ParentHash && builder.Number == l2.Number
}

// pushPayloadToL2 mirrors the selected builder payload to the L2 node
// via engine_newPayload so the block is validated and indexed before
// the driver submits it. Best effort only.
func (s *RollupBoostServer) pushPayloadToL2(getPayloadMethod string, envelope *engine.ExecutionPayloadEnvelope, beaconRoot *common.Hash) {
	version := strings.TrimPrefix(getPayloadMethod, "engine_getPayload")
	method := "engine_newPayload" + version

	params := []any{envelope.ExecutionPayload}
	if version != "V1" && version != "V2" {
		params = append(params, blobVersionedHashes(envelope.BlobsBundle), beaconRoot)
	}

	var status engine.PayloadStatusV1
	if err := s.l2.Call(context.Background(), &status, method, params...); err != nil {
		s.log.Warn("failed to push builder payload to l2", "method", method, "err", err)
		return
	}
	if status.Status != engine.VALID {
		s.log.Warn("l2 did not validate builder payload", "status", status.Status,
			"block_hash", envelope.ExecutionPayload.BlockHash)
	}
}

// blobVersionedHashes derives the versioned hashes newPayload expects
// from the bundle's KZG commitments.
func blobVersionedHashes(bundle *engine.BlobsBundle) []common.Hash {
	if bundle == nil {
		return []common.Hash{}
	}
	hashes := make([]common.Hash, 0, len(bundle.Commitments))
	for _, commitment := range bundle.Commitments {
		h := sha256.Sum256(commitment)
		h[0] = 0x01
		hashes = append(hashes, common.Hash(h))
	}
	return hashes
}

// newPayload goes to the L2 node only; its PayloadStatus is
// authoritative. With boost sync on, the builder gets a copy so its
// chain keeps up, but its answer is discarded.
func (s *RollupBoostServer) newPayload(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if s.boostSync {
		go func() {
			if _, err := s.builder.NewPayload(context.Background(), method, params); err != nil {
				s.metrics.fanoutError(method)
				s.log.Debug("builder newPayload sync failed", "method", method, "err", err)
			}
		}()
	}

	status, err := s.l2.NewPayload(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(status)
}

// paramAt returns the raw positional param, or nil when it is absent
// or JSON null.
func paramAt(params []json.RawMessage, i int) json.RawMessage {
	if i >= len(params) {
		return nil
	}
	raw := bytes.TrimSpace(params[i])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}
