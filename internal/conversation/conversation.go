// Package conversation implements the conversation engine (C9): multi-
// round rally/collab/broadcast/opinion/escalation/brainstorm exchanges
// with shared context and consensus detection.
package conversation

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/arcwire/mesh/internal/store"
)

// Type enumerates the conversation kinds named in the wire contract.
type Type string

const (
	TypeRally      Type = "rally"
	TypeCollab     Type = "collab"
	TypeEscalation Type = "escalation"
	TypeBroadcast  Type = "broadcast"
	TypeOpinion    Type = "opinion"
	TypeBrainstorm Type = "brainstorm"
)

// Status enumerates a conversation's lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPartial   Status = "partial"
	StatusComplete  Status = "complete"
	StatusTimeout   Status = "timeout"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// RoundStatus enumerates a single round's lifecycle.
type RoundStatus string

const (
	RoundOpen      RoundStatus = "open"
	RoundComplete  RoundStatus = "complete"
	RoundSuperseded RoundStatus = "superseded"
)

// Response is one participant's answer within a round.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Ts   time.Time `json:"ts"`
}

// Consensus is the verdict of comparing a round's responses.
type Consensus struct {
	Verdict     string    `json:"verdict"` // match, near_match, close, disagree, insufficient, no_data
	Discrepancy float64   `json:"discrepancy,omitempty"`
	Values      []float64 `json:"values,omitempty"`
}

// Round is one fan-out + response-collection cycle.
type Round struct {
	Round             int         `json:"round"`
	Question          string      `json:"question"`
	Ts                time.Time   `json:"ts"`
	Responses         []Response  `json:"responses"`
	Status            RoundStatus `json:"status"`
	ExpectedResponses int         `json:"expectedResponses"`
	ReceivedResponses int         `json:"receivedResponses"`
	Consensus         *Consensus  `json:"consensus,omitempty"`
}

// Record is the persisted conversation state.
type Record struct {
	ConversationID    string     `json:"conversationId"`
	Type              Type       `json:"type"`
	From              string     `json:"from"`
	Question          string     `json:"question"`
	Participants      []string   `json:"participants"`
	ExpectedResponses int        `json:"expectedResponses"`
	ReceivedResponses int        `json:"receivedResponses"`
	Responses         []Response `json:"responses"`
	Rounds            []Round    `json:"rounds"`
	CurrentRound      int        `json:"currentRound"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	TTL               int64      `json:"ttl"`
	Summary           string     `json:"summary,omitempty"`
	Consensus         *Consensus `json:"consensus,omitempty"`
}

// Fanout is implemented by the send pipeline: deliver a request to
// participant carrying replyContext for round-aware routing.
type Fanout interface {
	FanOut(conversationID, participant, question string, round int, priorContext string, typeOverride string, priority string) error
}

// Engine owns every conversation under a state root directory.
type Engine struct {
	dir    string
	fanout Fanout
	idGen  func() string
	now    func() time.Time
}

// New returns an Engine rooted at dir.
func New(dir string, fanout Fanout, idGen func() string) *Engine {
	return &Engine{dir: dir, fanout: fanout, idGen: idGen, now: time.Now}
}

func (e *Engine) storeFor(id string) (*store.Store[Record], error) {
	return store.New[Record](filepath.Join(e.dir, id+".json"))
}

func defaultTTL(t Type) int64 {
	switch t {
	case TypeRally:
		return 300
	case TypeCollab:
		return 600
	case TypeEscalation:
		return 300
	case TypeBroadcast:
		return 120
	case TypeOpinion:
		return 300
	case TypeBrainstorm:
		return 1800
	default:
		return 300
	}
}

func preamble(t Type) string {
	switch t {
	case TypeCollab:
		return "[collab: multi-turn discussion]"
	case TypeEscalation:
		return "[escalation: responding in order]"
	case TypeBrainstorm:
		return "[brainstorm: open-ended, multi-round]"
	default:
		return ""
	}
}

// OpenOptions customizes conversation creation.
type OpenOptions struct {
	Type string
	TTL  int64
	Ack  bool // broadcast only: upgrade to rally-like with short TTL
}

// Open creates a conversation and its first round, fanning a request to
// every participant.
func (e *Engine) Open(from, question string, participants []string, opts OpenOptions) (string, error) {
	typ := Type(opts.Type)
	if typ == "" {
		typ = TypeRally
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL(typ)
	}

	expected := len(participants)
	if typ == TypeBroadcast && !opts.Ack {
		expected = 0
	}

	now := e.now()
	id := e.idGen()
	rec := Record{
		ConversationID:    id,
		Type:              typ,
		From:              from,
		Question:          question,
		Participants:      participants,
		ExpectedResponses: expected,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(ttl) * time.Second),
		TTL:               ttl,
		CurrentRound:      1,
		Rounds: []Round{{
			Round:             1,
			Question:          question,
			Ts:                now,
			Status:            RoundOpen,
			ExpectedResponses: expected,
		}},
	}

	s, err := e.storeFor(id)
	if err != nil {
		return "", err
	}
	if _, err := s.Mutate(func(_ Record) (Record, error) { return rec, nil }); err != nil {
		return "", err
	}

	body := question
	if p := preamble(typ); p != "" {
		body = p + " " + body
	}
	requestType := "request"
	if typ == TypeBroadcast && !opts.Ack {
		requestType = "notification"
	}
	for _, participant := range participants {
		if err := e.fanout.FanOut(id, participant, body, 1, "", requestType, priorityFor(typ)); err != nil {
			// Per-participant send failures do not fail the conversation.
			continue
		}
	}
	return id, nil
}

func priorityFor(t Type) string {
	if t == TypeEscalation {
		return "high"
	}
	return "normal"
}

// FollowUp closes the current round's open slots as superseded, appends a
// new round, and re-fans with a shared-context digest.
func (e *Engine) FollowUp(conversationID, question string) (int, error) {
	s, err := e.storeFor(conversationID)
	if err != nil {
		return 0, err
	}
	var newRound int
	var participants []string
	var digest string
	var convType Type
	_, err = s.Mutate(func(rec Record) (Record, error) {
		if len(rec.Rounds) > 0 {
			last := &rec.Rounds[len(rec.Rounds)-1]
			if last.Status == RoundOpen {
				last.Status = RoundSuperseded
			}
		}
		newRound = rec.CurrentRound + 1
		rec.CurrentRound = newRound
		rec.Rounds = append(rec.Rounds, Round{
			Round:             newRound,
			Question:          question,
			Ts:                e.now(),
			Status:            RoundOpen,
			ExpectedResponses: rec.ExpectedResponses,
		})
		rec.UpdatedAt = e.now()
		digest = sharedContextDigest(rec.Rounds[:len(rec.Rounds)-1])
		participants = rec.Participants
		convType = rec.Type
		return rec, nil
	})
	if err != nil {
		return 0, err
	}

	body := digest + "\n" + question
	for _, participant := range participants {
		_ = e.fanout.FanOut(conversationID, participant, body, newRound, digest, "request", priorityFor(convType))
	}
	return newRound, nil
}

// sharedContextDigest renders a compact textual summary of prior rounds.
func sharedContextDigest(rounds []Round) string {
	var b strings.Builder
	for _, r := range rounds {
		fmt.Fprintf(&b, "Round %d: %s\n", r.Round, r.Question)
		for _, resp := range r.Responses {
			fmt.Fprintf(&b, "  %s: %s\n", resp.From, resp.Body)
		}
	}
	return b.String()
}

// OnResponse appends a response to the current round, deduplicated by
// From, and advances round/conversation status when all expected
// responses are in.
func (e *Engine) OnResponse(conversationID, from string, body json.RawMessage) error {
	s, err := e.storeFor(conversationID)
	if err != nil {
		return err
	}
	_, err = s.Mutate(func(rec Record) (Record, error) {
		if len(rec.Rounds) == 0 {
			return rec, fmt.Errorf("conversation %s has no rounds", conversationID)
		}
		idx := len(rec.Rounds) - 1
		round := &rec.Rounds[idx]

		for _, existing := range round.Responses {
			if existing.From == from {
				return rec, nil // already recorded
			}
		}
		round.Responses = append(round.Responses, Response{From: from, Body: string(trimQuotes(body)), Ts: e.now()})
		round.ReceivedResponses = len(round.Responses)
		rec.ReceivedResponses = round.ReceivedResponses
		rec.UpdatedAt = e.now()

		if round.ExpectedResponses > 0 && round.ReceivedResponses >= round.ExpectedResponses {
			round.Status = RoundComplete
			if allRoundsComplete(rec.Rounds) {
				rec.Status = StatusComplete
			} else {
				rec.Status = StatusPartial
			}
		} else {
			rec.Status = StatusActive
		}
		return rec, nil
	})
	return err
}

func allRoundsComplete(rounds []Round) bool {
	for _, r := range rounds {
		if r.Status == RoundOpen {
			return false
		}
	}
	return true
}

func trimQuotes(raw json.RawMessage) []byte {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []byte(s)
	}
	return raw
}

// Complete, Close, Cancel, and Timeout perform explicit terminal
// transitions.
func (e *Engine) Complete(conversationID, summary string) error {
	return e.transition(conversationID, StatusComplete, summary)
}

func (e *Engine) Close(conversationID, reason string) error {
	return e.transition(conversationID, StatusClosed, reason)
}

func (e *Engine) Cancel(conversationID, reason string) error {
	return e.transition(conversationID, StatusCancelled, reason)
}

// Timeout forces a single conversation into StatusTimeout, for an operator
// cutting short a stalled conversation rather than waiting on TimeoutSweep.
func (e *Engine) Timeout(conversationID string) error {
	return e.transition(conversationID, StatusTimeout, "")
}

func (e *Engine) transition(conversationID string, status Status, note string) error {
	s, err := e.storeFor(conversationID)
	if err != nil {
		return err
	}
	_, err = s.Mutate(func(rec Record) (Record, error) {
		rec.Status = status
		rec.UpdatedAt = e.now()
		if status == StatusComplete {
			rec.Summary = note
		}
		return rec, nil
	})
	return err
}

// Get returns the conversation record.
func (e *Engine) Get(conversationID string) (Record, error) {
	s, err := e.storeFor(conversationID)
	if err != nil {
		return Record{}, err
	}
	return s.Get()
}

// List returns every conversation id with persisted state under the
// engine's directory, for callers (the timeout sweeper) that need to
// discover ids without tracking them separately.
func (e *Engine) List() ([]string, error) {
	entries, err := filepath.Glob(filepath.Join(e.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, path := range entries {
		base := filepath.Base(path)
		ids = append(ids, strings.TrimSuffix(base, ".json"))
	}
	return ids, nil
}

// TimeoutSweep marks every non-terminal conversation among ids whose
// ExpiresAt has passed as timed out.
func (e *Engine) TimeoutSweep(ids []string, now time.Time) error {
	for _, id := range ids {
		s, err := e.storeFor(id)
		if err != nil {
			return err
		}
		if _, err := s.Mutate(func(rec Record) (Record, error) {
			if isTerminal(rec.Status) {
				return rec, nil
			}
			if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
				rec.Status = StatusTimeout
				rec.UpdatedAt = now
			}
			return rec, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func isTerminal(s Status) bool {
	switch s {
	case StatusComplete, StatusTimeout, StatusClosed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ActiveCount reports how many of ids are in a non-terminal status, for
// the scheduler's active-conversation gauge.
func (e *Engine) ActiveCount(ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		rec, err := e.Get(id)
		if err != nil {
			return 0, err
		}
		if !isTerminal(rec.Status) {
			count++
		}
	}
	return count, nil
}

var currencyPrefix = regexp.MustCompile(`^[\s$€£]+`)

// Consensus parses a round's (or, if round<=0, the final round's)
// responses as numeric values when possible and bands the result.
func (e *Engine) Consensus(conversationID string, round int) (Consensus, error) {
	rec, err := e.Get(conversationID)
	if err != nil {
		return Consensus{}, err
	}
	if len(rec.Rounds) == 0 {
		return Consensus{Verdict: "no_data"}, nil
	}
	idx := len(rec.Rounds) - 1
	if round > 0 {
		idx = round - 1
		if idx < 0 || idx >= len(rec.Rounds) {
			return Consensus{}, fmt.Errorf("conversation %s has no round %d", conversationID, round)
		}
	}
	responses := rec.Rounds[idx].Responses
	return bandConsensus(responses), nil
}

func bandConsensus(responses []Response) Consensus {
	if len(responses) == 0 {
		return Consensus{Verdict: "no_data"}
	}
	values := make([]float64, 0, len(responses))
	allNumeric := true
	for _, r := range responses {
		v, ok := parseNumeric(r.Body)
		if !ok {
			allNumeric = false
			break
		}
		values = append(values, v)
	}
	if !allNumeric {
		return stringConsensus(responses)
	}
	if len(values) == 1 {
		return Consensus{Verdict: "insufficient", Values: values}
	}

	sort.Float64s(values)
	mean := meanOf(values)
	maxSpread := 0.0
	for _, v := range values {
		spread := math.Abs(v-mean) / math.Max(math.Abs(mean), 1e-9)
		if spread > maxSpread {
			maxSpread = spread
		}
	}

	verdict := "disagree"
	switch {
	case values[0] == values[len(values)-1]:
		verdict = "match"
	case maxSpread <= 0.01:
		verdict = "near_match"
	case maxSpread <= 0.05:
		verdict = "close"
	}
	return Consensus{Verdict: verdict, Discrepancy: maxSpread, Values: values}
}

func stringConsensus(responses []Response) Consensus {
	normalized := make(map[string]bool)
	for _, r := range responses {
		normalized[strings.ToLower(strings.TrimSpace(r.Body))] = true
	}
	if len(normalized) == 1 {
		return Consensus{Verdict: "match"}
	}
	return Consensus{Verdict: "disagree"}
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = currencyPrefix.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
