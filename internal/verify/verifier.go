// Package verify runs the challenge-response identity check of clients and
// keeps their verification status.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/store"
)

const (
	// DefaultMaxAge is how long a verification stays valid.
	DefaultMaxAge = 24 * time.Hour
	// ChallengeTTL is how long an issued challenge can be answered.
	ChallengeTTL = 5 * time.Minute
)

var challengePrefix = []byte("fedavg-verify/v1")

// ChallengeMessage is what a client signs to answer nonce.
func ChallengeMessage(id string, nonce []byte) []byte {
	var b bytes.Buffer
	b.Write(challengePrefix)
	b.WriteByte(0)
	b.WriteString(id)
	b.WriteByte(0)
	b.Write(nonce)
	return b.Bytes()
}

type pending struct {
	nonce  []byte
	issued time.Time
}

// Verifier owns the verification status stored in client records.
type Verifier struct {
	sync.Mutex
	st     store.ClientStore
	clock  clockwork.Clock
	maxAge time.Duration
	log    log.Logger

	challenges map[string]pending
}

func NewVerifier(st store.ClientStore, clock clockwork.Clock, maxAge time.Duration, l log.Logger) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{
		st:         st,
		clock:      clock,
		maxAge:     maxAge,
		log:        l.Named("verifier"),
		challenges: make(map[string]pending),
	}
}

// Register creates the record of a new client. Registering a revoked client
// again, or with a new key, puts it back to unverified.
func (v *Verifier) Register(ctx context.Context, id string, pub []byte, labels []string) (*store.ClientRecord, error) {
	if id == "" {
		return nil, errors.New("empty client id")
	}
	if _, err := crypto.ParsePublic(pub); err != nil {
		return nil, &VerificationError{ClientID: id, Reason: "invalid public key", Err: err}
	}

	v.Lock()
	defer v.Unlock()
	now := v.clock.Now()
	rec, err := v.st.Client(ctx, id)
	switch {
	case errors.Is(err, common.ErrUnknownClient):
		rec = &store.ClientRecord{
			ID:           id,
			PublicKey:    pub,
			Labels:       labels,
			Status:       Unverified.String(),
			RegisteredAt: now,
		}
		v.log.Infow("client registered", "client", id)
		return rec, v.st.PutClient(ctx, rec)
	case err != nil:
		return nil, err
	}

	status, err := ParseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	rec.Labels = labels
	if status == Revoked || !bytes.Equal(rec.PublicKey, pub) {
		rec.PublicKey = pub
		rec.RegisteredAt = now
		rec.VerifiedAt = time.Time{}
		rec.History = append(rec.History, store.VerificationEvent{Time: now, From: status.String(), To: Unverified.String(), Reason: "registered"})
		rec.Status = Unverified.String()
		delete(v.challenges, id)
		v.log.Infow("client re-registered", "client", id, "previous", status)
	}
	return rec, v.st.PutClient(ctx, rec)
}

// Challenge issues a fresh nonce for id, replacing any previous one.
func (v *Verifier) Challenge(ctx context.Context, id string) ([]byte, error) {
	v.Lock()
	defer v.Unlock()
	rec, err := v.st.Client(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == Revoked.String() {
		return nil, &VerificationError{ClientID: id, Reason: "client revoked"}
	}
	nonce, err := crypto.NewChallenge()
	if err != nil {
		return nil, err
	}
	v.challenges[id] = pending{nonce: nonce, issued: v.clock.Now()}
	return nonce, nil
}

// Verify checks the signature of id over its pending challenge. On failure
// the client keeps its previous, non verified, status.
func (v *Verifier) Verify(ctx context.Context, id string, sig []byte) error {
	v.Lock()
	defer v.Unlock()
	return v.verify(ctx, id, sig)
}

func (v *Verifier) verify(ctx context.Context, id string, sig []byte) error {
	p, ok := v.challenges[id]
	// a challenge answers at most one attempt
	delete(v.challenges, id)
	if !ok {
		return v.fail(id, "no pending challenge", nil)
	}
	now := v.clock.Now()
	if now.Sub(p.issued) > ChallengeTTL {
		return v.fail(id, "challenge expired", nil)
	}
	rec, err := v.st.Client(ctx, id)
	if err != nil {
		return v.fail(id, "unknown client", err)
	}
	status, err := v.currentStatus(rec, now)
	if err != nil {
		return err
	}
	if !isValidStateChange(status, Verified) {
		return v.fail(id, "client cannot be verified", InvalidStateChange(status, Verified))
	}
	pub, err := crypto.ParsePublic(rec.PublicKey)
	if err != nil {
		return v.fail(id, "invalid public key", err)
	}
	if err := crypto.Verify(pub, ChallengeMessage(id, p.nonce), sig); err != nil {
		return v.fail(id, "invalid signature", err)
	}

	v.setStatus(rec, status, Verified, now, "challenge answered")
	rec.VerifiedAt = now
	if err := v.st.PutClient(ctx, rec); err != nil {
		return err
	}
	v.log.Infow("client verified", "client", id)
	return nil
}

func (v *Verifier) fail(id, reason string, err error) error {
	v.log.Warnw("verification failed", "client", id, "reason", reason, "err", err)
	return &VerificationError{ClientID: id, Reason: reason, Err: err}
}

// VerifyBatch verifies every client independently; one failure never blocks
// the others. The result holds one entry per client, nil on success.
func (v *Verifier) VerifyBatch(ctx context.Context, sigs map[string][]byte) map[string]error {
	ids := make([]string, 0, len(sigs))
	for id := range sigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	v.Lock()
	defer v.Unlock()
	out := make(map[string]error, len(sigs))
	for _, id := range ids {
		out[id] = v.verify(ctx, id, sigs[id])
	}
	return out
}

// Status returns the status of id, expiring it first when too old.
func (v *Verifier) Status(ctx context.Context, id string) (Status, error) {
	v.Lock()
	defer v.Unlock()
	rec, err := v.st.Client(ctx, id)
	if err != nil {
		return Unverified, err
	}
	return v.refresh(ctx, rec)
}

// IsVerified reports whether id may take part in rounds.
func (v *Verifier) IsVerified(ctx context.Context, id string) bool {
	s, err := v.Status(ctx, id)
	return err == nil && s == Verified
}

// Revoke permanently excludes id until it registers again.
func (v *Verifier) Revoke(ctx context.Context, id, reason string) error {
	v.Lock()
	defer v.Unlock()
	rec, err := v.st.Client(ctx, id)
	if err != nil {
		return err
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return err
	}
	if !isValidStateChange(status, Revoked) {
		return InvalidStateChange(status, Revoked)
	}
	v.setStatus(rec, status, Revoked, v.clock.Now(), reason)
	delete(v.challenges, id)
	v.log.Warnw("client revoked", "client", id, "reason", reason)
	return v.st.PutClient(ctx, rec)
}

// CleanExpired marks every outdated verification as expired and returns how
// many were.
func (v *Verifier) CleanExpired(ctx context.Context) (int, error) {
	v.Lock()
	defer v.Unlock()
	recs, err := v.st.Clients(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		before := rec.Status
		s, err := v.refresh(ctx, rec)
		if err != nil {
			return n, err
		}
		if s == Expired && before != rec.Status {
			n++
		}
	}
	for id, p := range v.challenges {
		if v.clock.Since(p.issued) > ChallengeTTL {
			delete(v.challenges, id)
		}
	}
	return n, nil
}

// Seen records the participation of id in a round.
func (v *Verifier) Seen(ctx context.Context, id string, round uint64, numExamples int) error {
	v.Lock()
	defer v.Unlock()
	rec, err := v.st.Client(ctx, id)
	if err != nil {
		return err
	}
	rec.LastSeenRound = round
	rec.NumExamples = numExamples
	return v.st.PutClient(ctx, rec)
}

// History returns the status changes of id, oldest first.
func (v *Verifier) History(ctx context.Context, id string) ([]store.VerificationEvent, error) {
	rec, err := v.st.Client(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.History, nil
}

// Report counts clients per status.
type Report struct {
	Total    int               `json:"total"`
	ByStatus map[string]int    `json:"by_status"`
	Clients  map[string]string `json:"clients"`
}

func (v *Verifier) Report(ctx context.Context) (*Report, error) {
	v.Lock()
	defer v.Unlock()
	recs, err := v.st.Clients(ctx)
	if err != nil {
		return nil, err
	}
	r := &Report{ByStatus: make(map[string]int), Clients: make(map[string]string, len(recs))}
	for _, rec := range recs {
		s, err := v.refresh(ctx, rec)
		if err != nil {
			return nil, err
		}
		r.Total++
		r.ByStatus[s.String()]++
		r.Clients[rec.ID] = s.String()
	}
	return r, nil
}

// Reset backs up every record under backup and puts all clients back to
// unverified.
func (v *Verifier) Reset(ctx context.Context, backup string) (int, error) {
	v.Lock()
	defer v.Unlock()
	if _, err := v.st.BackupClients(ctx, backup); err != nil {
		return 0, fmt.Errorf("backing up verification data: %w", err)
	}
	recs, err := v.st.Clients(ctx)
	if err != nil {
		return 0, err
	}
	now := v.clock.Now()
	for _, rec := range recs {
		rec.History = append(rec.History, store.VerificationEvent{Time: now, From: rec.Status, To: Unverified.String(), Reason: "reset"})
		rec.Status = Unverified.String()
		rec.VerifiedAt = time.Time{}
		if err := v.st.PutClient(ctx, rec); err != nil {
			return 0, err
		}
	}
	v.challenges = make(map[string]pending)
	v.log.Warnw("verification data reset", "backup", backup, "clients", len(recs))
	return len(recs), nil
}

// refresh persists the expiry of rec when due and returns its status.
func (v *Verifier) refresh(ctx context.Context, rec *store.ClientRecord) (Status, error) {
	now := v.clock.Now()
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return Unverified, err
	}
	cur, err := v.currentStatus(rec, now)
	if err != nil || cur == status {
		return cur, err
	}
	v.setStatus(rec, status, cur, now, "verification too old")
	v.log.Infow("client verification expired", "client", rec.ID)
	return cur, v.st.PutClient(ctx, rec)
}

func (v *Verifier) currentStatus(rec *store.ClientRecord, now time.Time) (Status, error) {
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return Unverified, err
	}
	if status == Verified && now.Sub(rec.VerifiedAt) > v.maxAge {
		return Expired, nil
	}
	return status, nil
}

func (v *Verifier) setStatus(rec *store.ClientRecord, from, to Status, now time.Time, reason string) {
	rec.Status = to.String()
	rec.History = append(rec.History, store.VerificationEvent{Time: now, From: from.String(), To: to.String(), Reason: reason})
}

// VerificationError is the client scoped error of the verifier.
type VerificationError = common.VerificationError
