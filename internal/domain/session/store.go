// internal/domain/session/store.go
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/your-org/pharmacy-backend/internal/config"
	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
	"github.com/your-org/pharmacy-backend/internal/pkg/metrics"
)

const (
	activePrefix = "session:active:"
	donePrefix   = "session:done:"
	seenPrefix   = "session:seen:"

	// Redis keeps a session a little longer than its window so the sweeper sees it expire
	keyGrace  = time.Minute
	scanBatch = 100
)

var errSessionGone = errors.New("session changed or removed")

func sessionKey(userID int64) string {
	return fmt.Sprintf("%s%d", activePrefix, userID)
}

func tombstoneKey(userID int64, token string) string {
	return fmt.Sprintf("%s%d:%s", donePrefix, userID, token)
}

// seenKey names the flow in progress and outlives the session key
func seenKey(userID int64) string {
	return fmt.Sprintf("%s%d", seenPrefix, userID)
}

// Store keeps one flow session per user in Redis
type Store struct {
	client       *redis.Client
	clock        clockwork.Clock
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	validate     *validator.Validate
	flows        map[FlowType]flowDef
	timeout      time.Duration
	maxAttempts  int
	tombstoneTTL time.Duration
	seenTTL      time.Duration
}

// NewStore creates a session store
func NewStore(client *redis.Client, clock clockwork.Clock, logger *logrus.Logger, m *metrics.Metrics, cfg config.SessionConfig, bulkMaxRows int) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	seenTTL := cfg.TombstoneTTL
	if floor := 2 * (cfg.Timeout + keyGrace); seenTTL < floor {
		seenTTL = floor
	}
	return &Store{
		client:       client,
		clock:        clock,
		logger:       logger,
		metrics:      m,
		validate:     newValidator(),
		flows:        buildFlows(bulkMaxRows),
		timeout:      cfg.Timeout,
		maxAttempts:  maxAttempts,
		tombstoneTTL: cfg.TombstoneTTL,
		seenTTL:      seenTTL,
	}
}

// Flows lists the supported flow types
func (s *Store) Flows() []FlowType {
	return []FlowType{FlowPlaceOrder, FlowCustomQuantity, FlowAddItemSingle, FlowAddItemBulk}
}

// Begin starts a flow for the user, replacing any session already in progress
func (s *Store) Begin(ctx context.Context, userID int64, flow FlowType) (*Prompt, error) {
	def, ok := s.flows[flow]
	if !ok {
		return nil, &apperror.ValidationError{Field: "flow", Reason: fmt.Sprintf("unknown flow %q", flow)}
	}

	payload, err := json.Marshal(def.newPayload())
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := s.clock.Now()
	sess := &Session{
		UserID:    userID,
		Flow:      flow,
		Token:     uuid.NewString(),
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.timeout),
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(userID), raw, s.timeout+keyGrace)
		pipe.Set(ctx, seenKey(userID), string(flow), s.seenTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"flow":    flow,
	}).Info("Flow started")

	return def.prompt(sess), nil
}

// Current returns the prompt the user is waiting on
func (s *Store) Current(ctx context.Context, userID int64) (*Prompt, error) {
	sess, _, err := s.load(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.clock.Now()) {
		s.expire(ctx, sess)
		return nil, &apperror.SessionExpiredError{UserID: userID, Flow: string(sess.Flow)}
	}
	return s.flows[sess.Flow].prompt(sess), nil
}

// Advance applies one input to the user's session. On the terminal step the
// session is consumed atomically and a Commit is returned; exactly one caller
// can win a given session.
func (s *Store) Advance(ctx context.Context, userID int64, input string) (*Result, error) {
	input = strings.TrimSpace(input)

	if input != "" {
		replayed, err := s.client.Exists(ctx, tombstoneKey(userID, input)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check commit token: %w", err)
		}
		if replayed > 0 {
			return nil, &apperror.DuplicateCommitError{Token: input}
		}
	}

	sess, raw, err := s.load(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if sess.IsExpired(now) {
		s.expire(ctx, sess)
		return nil, &apperror.SessionExpiredError{UserID: userID, Flow: string(sess.Flow)}
	}

	def := s.flows[sess.Flow]
	payload, err := s.decodePayload(def, sess.Payload)
	if err != nil {
		s.discard(ctx, userID, raw)
		return nil, &apperror.ValidationError{Field: "session", Reason: "stored session is unreadable, start again"}
	}

	step := def.Steps[sess.Step]
	if err := step.Apply(payload, input, sess); err != nil {
		return nil, s.reject(ctx, sess, raw, err)
	}
	if err := s.validatePayload(payload); err != nil {
		return nil, s.reject(ctx, sess, raw, err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	sess.Payload = encoded
	sess.Attempts = 0
	sess.UpdatedAt = now

	if def.terminal(sess) {
		if err := s.consume(ctx, sess, raw); err != nil {
			return nil, err
		}
		s.metrics.FlowCommitted(string(sess.Flow))
		s.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"flow":    sess.Flow,
		}).Info("Flow committed")
		return &Result{Commit: &Commit{
			UserID:  userID,
			Flow:    sess.Flow,
			Token:   sess.Token,
			Payload: payload,
		}}, nil
	}

	sess.Step++
	sess.ExpiresAt = now.Add(s.timeout)
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return &Result{Next: def.prompt(sess)}, nil
}

// Cancel discards the user's session; cancelling nothing is not an error
func (s *Store) Cancel(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, sessionKey(userID), seenKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}
	return nil
}

// Sweep removes every session whose inactivity window has passed and
// returns how many were removed. A session refreshed mid-sweep is kept.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := 0

	iter := s.client.Scan(ctx, 0, activePrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		ok, err := s.sweepKey(ctx, iter.Val(), now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan sessions: %w", err)
	}

	if removed > 0 {
		s.metrics.SessionsExpired(removed)
		s.logger.WithField("count", removed).Info("Expired sessions removed")
	}
	return removed, nil
}

func (s *Store) sweepKey(ctx context.Context, key string, now time.Time) (bool, error) {
	removed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var sess Session
		// unreadable sessions are swept as well
		if json.Unmarshal(raw, &sess) == nil && !sess.IsExpired(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to sweep %s: %w", key, err)
	}
	return removed, nil
}

// load reads the user's session. input is the raw step input, if any; it lets a
// confirmation that lost the race to its own commit report the duplicate.
func (s *Store) load(ctx context.Context, userID int64, input string) (*Session, []byte, error) {
	raw, err := s.client.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, s.missing(ctx, userID, input)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.discard(ctx, userID, raw)
		return nil, nil, &apperror.ValidationError{Field: "session", Reason: "stored session is unreadable, start again"}
	}
	def, ok := s.flows[sess.Flow]
	if !ok || sess.Step < 0 || sess.Step >= len(def.Steps) || sess.UserID != userID {
		s.discard(ctx, userID, raw)
		return nil, nil, &apperror.ValidationError{Field: "session", Reason: "stored session is unreadable, start again"}
	}
	return &sess, raw, nil
}

// missing explains an absent session key: a commit that already consumed it,
// a session that timed out and was removed, or no session at all
func (s *Store) missing(ctx context.Context, userID int64, input string) error {
	if input != "" {
		done, err := s.client.Exists(ctx, tombstoneKey(userID, input)).Result()
		if err != nil {
			return fmt.Errorf("failed to check commit token: %w", err)
		}
		if done > 0 {
			return &apperror.DuplicateCommitError{Token: input}
		}
	}

	flow, err := s.client.Get(ctx, seenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return &apperror.NotFoundError{Resource: "session", ID: userID}
	}
	if err != nil {
		return fmt.Errorf("failed to load session marker: %w", err)
	}
	return &apperror.SessionExpiredError{UserID: userID, Flow: flow}
}

func (s *Store) decodePayload(def flowDef, raw json.RawMessage) (Payload, error) {
	payload := def.newPayload()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Store) validatePayload(p Payload) error {
	err := s.validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &apperror.ValidationError{Field: verrs[0].Field(), Reason: fmt.Sprintf("failed %s check", verrs[0].Tag())}
	}
	return err
}

// reject counts a failed input and discards the session once attempts run out
func (s *Store) reject(ctx context.Context, sess *Session, raw []byte, cause error) error {
	var ve *apperror.ValidationError
	if !errors.As(cause, &ve) {
		return cause
	}

	sess.Attempts++
	left := s.maxAttempts - sess.Attempts
	out := &apperror.ValidationError{Field: ve.Field, Reason: ve.Reason, AttemptsLeft: left}

	if left <= 0 {
		s.discard(ctx, sess.UserID, raw)
		out.AttemptsLeft = 0
		s.logger.WithFields(logrus.Fields{
			"user_id": sess.UserID,
			"flow":    sess.Flow,
		}).Info("Flow discarded after repeated invalid input")
		return out
	}

	now := s.clock.Now()
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(s.timeout)
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	return out
}

// save overwrites the session only if it still exists
func (s *Store) save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ok, err := s.client.SetXX(ctx, sessionKey(sess.UserID), raw, s.timeout+keyGrace).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return &apperror.SessionExpiredError{UserID: sess.UserID, Flow: string(sess.Flow)}
	}
	if err := s.client.Expire(ctx, seenKey(sess.UserID), s.seenTTL).Err(); err != nil {
		s.logger.WithError(err).WithField("user_id", sess.UserID).Warn("Failed to refresh session marker")
	}
	return nil
}

// consume deletes the session and writes its tombstone in one transaction,
// provided nobody touched the session since it was read
func (s *Store) consume(ctx context.Context, sess *Session, raw []byte) error {
	key := sessionKey(sess.UserID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errSessionGone
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(current, raw) {
			return errSessionGone
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, seenKey(sess.UserID))
			pipe.Set(ctx, tombstoneKey(sess.UserID, sess.Token), s.clock.Now().Format(time.RFC3339), s.tombstoneTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errSessionGone) {
		return s.lostCommit(ctx, sess)
	}
	if err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// lostCommit explains why a terminal step could not consume its session
func (s *Store) lostCommit(ctx context.Context, sess *Session) error {
	done, err := s.client.Exists(ctx, tombstoneKey(sess.UserID, sess.Token)).Result()
	if err != nil {
		return fmt.Errorf("failed to check commit token: %w", err)
	}
	if done > 0 {
		return &apperror.DuplicateCommitError{Token: sess.Token}
	}
	return &apperror.SessionExpiredError{UserID: sess.UserID, Flow: string(sess.Flow)}
}

func (s *Store) expire(ctx context.Context, sess *Session) {
	if s.deleteIfSame(ctx, sess) {
		s.metrics.SessionsExpired(1)
	}
}

// deleteIfSame removes the session unless it was refreshed or replaced
func (s *Store) deleteIfSame(ctx context.Context, sess *Session) bool {
	key := sessionKey(sess.UserID)
	removed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		var stored Session
		if err := json.Unmarshal(current, &stored); err != nil {
			return err
		}
		if stored.Token != sess.Token || !stored.IsExpired(s.clock.Now()) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr) {
		s.logger.WithError(err).WithField("user_id", sess.UserID).Warn("Failed to remove expired session")
	}
	return removed
}

// discard drops a session that is unreadable or out of attempts
func (s *Store) discard(ctx context.Context, userID int64, raw []byte) {
	key := sessionKey(userID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(current, raw) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, seenKey(userID))
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr) {
		s.logger.WithError(err).WithField("user_id", userID).Warn("Failed to discard session")
	}
}
