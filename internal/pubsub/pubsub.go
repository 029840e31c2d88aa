// Package pubsub implements a hierarchical-topic router with literal,
// single-segment (*) and multi-segment-terminal (#) wildcard
// subscriptions. Delivery is fire-and-forget: each subscriber has a
// bounded channel, and a full channel drops the message rather than
// blocking the publisher, so a slow subscriber never slows down a
// publisher.
//
// Built around a subscription index (a map of topic to subscriber set,
// fanned out without holding the registry lock across delivery):
// literal subscriptions live in a map keyed by the exact topic string,
// not in a segment trie, and wildcard subscriptions live in a list that
// is matched segment by segment on every publish.
package pubsub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/synaplabs/synap/internal/errs"
	"github.com/synaplabs/synap/internal/telemetry"
)

// Message is what a subscriber receives.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live subscriber handle. Callers read Messages until
// the channel closes (on Unsubscribe) or they stop reading (no change —
// backpressure just drops further sends).
type Subscription struct {
	ID       string
	Pattern  string
	Messages chan Message
}

type subscriber struct {
	id      string
	pattern string
	ch      chan Message
}

// TopicInfo is what TopicInfo(topic) reports.
type TopicInfo struct {
	Topic           string
	SubscriberCount int
}

// Router owns the subscription index.
type Router struct {
	mu sync.RWMutex
	// literal holds subscribers whose pattern has no wildcard segment,
	// indexed by the exact topic string.
	literal map[string][]*subscriber
	// wildcard holds every subscriber whose pattern contains * or #;
	// matched by linear scan, since wildcard subscriptions are expected
	// to be a small minority of the total.
	wildcard []*subscriber
	bufSize  int
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewRouter constructs an empty Router. bufSize is each subscriber
// channel's capacity before messages start dropping. maxPublishPerSec
// caps total Publish throughput (0 = unlimited), enforced via
// golang.org/x/time/rate.
func NewRouter(bufSize int, maxPublishPerSec int, metrics *telemetry.Metrics, logger zerolog.Logger) *Router {
	if bufSize <= 0 {
		bufSize = 256
	}
	r := &Router{
		literal: map[string][]*subscriber{},
		bufSize: bufSize,
		metrics: metrics,
		logger:  logger,
	}
	if maxPublishPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(maxPublishPerSec), maxPublishPerSec)
	}
	return r
}

func hasWildcard(pattern string) bool {
	return strings.Contains(pattern, "*") || strings.Contains(pattern, "#")
}

// ValidatePattern rejects malformed subscription patterns: at most one
// '#', and only as the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", errs.ErrInvalidArg)
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "#" && i != len(segs)-1 {
			return fmt.Errorf("%w: '#' only allowed as the final segment", errs.ErrInvalidArg)
		}
		if strings.Contains(seg, "#") && seg != "#" {
			return fmt.Errorf("%w: '#' must be a whole segment", errs.ErrInvalidArg)
		}
	}
	return nil
}

// Subscribe registers a subscriber for pattern, returning a handle whose
// Messages channel receives every future Publish that matches. Pattern
// segments are '.'-delimited: '*' matches exactly one segment, '#' must
// be the final segment and matches zero or more trailing segments.
func (r *Router) Subscribe(id, pattern string) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	sub := &subscriber{id: id, pattern: pattern, ch: make(chan Message, r.bufSize)}
	r.mu.Lock()
	if hasWildcard(pattern) {
		r.wildcard = append(r.wildcard, sub)
	} else {
		r.literal[pattern] = append(r.literal[pattern], sub)
	}
	r.mu.Unlock()
	return &Subscription{ID: id, Pattern: pattern, Messages: sub.ch}, nil
}

// Unsubscribe removes id from pattern (if subscribed) and closes its
// channel.
func (r *Router) Unsubscribe(id, pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hasWildcard(pattern) {
		for i, s := range r.wildcard {
			if s.id == id && s.pattern == pattern {
				close(s.ch)
				r.wildcard = append(r.wildcard[:i], r.wildcard[i+1:]...)
				return
			}
		}
		return
	}
	subs := r.literal[pattern]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			r.literal[pattern] = append(subs[:i], subs[i+1:]...)
			if len(r.literal[pattern]) == 0 {
				delete(r.literal, pattern)
			}
			return
		}
	}
}

// UnsubscribeAll removes every subscription held by id, closing each of
// its channels.
func (r *Router) UnsubscribeAll(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pattern, subs := range r.literal {
		kept := subs[:0]
		for _, s := range subs {
			if s.id == id {
				close(s.ch)
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(r.literal, pattern)
		} else {
			r.literal[pattern] = kept
		}
	}
	kept := r.wildcard[:0]
	for _, s := range r.wildcard {
		if s.id == id {
			close(s.ch)
			continue
		}
		kept = append(kept, s)
	}
	r.wildcard = kept
}

// Publish delivers payload to every subscriber whose pattern matches
// topic, returning how many matched. Delivery never blocks: a subscriber
// whose channel is full has this message dropped and PubSubDropped
// incremented (the subscriber still counts as matched). If a publish
// rate limit is configured and exceeded, the publish itself is dropped
// before any delivery is attempted.
func (r *Router) Publish(topic string, payload []byte) int {
	if r.limiter != nil && !r.limiter.Allow() {
		r.countDropped()
		return 0
	}
	msg := Message{Topic: topic, Payload: payload}

	r.mu.RLock()
	targets := append([]*subscriber(nil), r.literal[topic]...)
	for _, s := range r.wildcard {
		if matchTopic(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
			r.countDelivered()
		default:
			r.countDropped()
		}
	}
	return len(targets)
}

func (r *Router) countDelivered() {
	if r.metrics != nil {
		r.metrics.PubSubDelivered.Inc()
	}
}

func (r *Router) countDropped() {
	if r.metrics != nil {
		r.metrics.PubSubDropped.Inc()
	}
}

// matchTopic reports whether pattern (possibly containing * or #,
// '#' only as the final segment) matches topic.
func matchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")

	for i, p := range pSegs {
		if p == "#" {
			return true // zero or more remaining segments
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}

// TopicInfo reports the literal subscriber count for an exact topic
// string; wildcard subscriptions that would also match it are not
// counted here, this covers literal registrations only.
func (r *Router) TopicInfo(topic string) TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return TopicInfo{Topic: topic, SubscriberCount: len(r.literal[topic])}
}

// ListTopics returns every distinct literal topic with at least one
// subscriber.
func (r *Router) ListTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.literal))
	for t := range r.literal {
		out = append(out, t)
	}
	return out
}

// Stats reports router-wide subscriber counts.
type Stats struct {
	LiteralTopics    int
	LiteralSubs      int
	WildcardSubs     int
}

// Stats returns a point-in-time count of topics and subscribers.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	literalSubs := 0
	for _, subs := range r.literal {
		literalSubs += len(subs)
	}
	return Stats{
		LiteralTopics: len(r.literal),
		LiteralSubs:   literalSubs,
		WildcardSubs:  len(r.wildcard),
	}
}
