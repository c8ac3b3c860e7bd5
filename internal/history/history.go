// Package history keeps a Redis-backed series of rank-1 scores per test case
// and query, one point per run.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/rag-bench/internal/evaluation"
)

// DefaultRetention bounds how long points are kept.
const DefaultRetention = 90 * 24 * time.Hour

// DefaultPrefix namespaces history keys.
const DefaultPrefix = "ragbench:history:"

// Point is one run's rank-1 outcome for a query.
type Point struct {
	RunID           string    `json:"run_id"`
	Timestamp       time.Time `json:"-"`
	Rank1DocumentID string    `json:"rank1_document_id,omitempty"`
	Rank1CorpusPath string    `json:"rank1_corpus_path,omitempty"`
	Rank1Score      *float64  `json:"rank1_score"`
	Hits            int       `json:"hits"`
}

// Recorder records a summarized run.
type Recorder interface {
	Record(ctx context.Context, testCase string, run *evaluation.RunRecord, summary *evaluation.Summary, at time.Time) error
}

// RedisStore stores points in one sorted set per (test case, query id),
// scored by run time.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore connects to Redis. Returns error if connection fails.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		prefix:    DefaultPrefix,
		retention: DefaultRetention,
	}, nil
}

// SetPrefix changes the key prefix. An empty prefix keeps the default.
func (s *RedisStore) SetPrefix(prefix string) {
	if prefix != "" {
		s.prefix = prefix
	}
}

// SetRetention sets how long points are kept. Non-positive values keep the default.
func (s *RedisStore) SetRetention(d time.Duration) {
	if d > 0 {
		s.retention = d
	}
}

// Key segments are query-escaped, so they never contain ':' or a glob
// metacharacter and one test case's pattern cannot match another's keys.
func (s *RedisStore) key(testCase, queryID string) string {
	return s.testCasePrefix(testCase) + url.QueryEscape(queryID)
}

func (s *RedisStore) testCasePrefix(testCase string) string {
	return s.prefix + url.QueryEscape(testCase) + ":"
}

// scanPattern matches every query key of one test case.
func (s *RedisStore) scanPattern(testCase string) string {
	return globEscape(s.testCasePrefix(testCase)) + "*"
}

// globEscape escapes Redis glob metacharacters.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record adds one point per summarized query in a single pipeline and trims
// points older than the retention window.
func (s *RedisStore) Record(ctx context.Context, testCase string, run *evaluation.RunRecord, summary *evaluation.Summary, at time.Time) error {
	if len(summary.Queries) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	minScore := fmt.Sprintf("%d", at.Add(-s.retention).Unix())

	for _, q := range summary.Queries {
		member, err := encodePoint(pointFrom(run.ID, q))
		if err != nil {
			return err
		}
		key := s.key(testCase, q.QueryID)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.Unix()),
			Member: member,
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+minScore)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// History returns the points for a query recorded at or after since, oldest first.
func (s *RedisStore) History(ctx context.Context, testCase, queryID string, since time.Time) ([]Point, error) {
	results, err := s.client.ZRangeByScoreWithScores(ctx, s.key(testCase, queryID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	points := make([]Point, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		p, err := decodePoint(member)
		if err != nil {
			// Skip invalid entries
			continue
		}
		p.Timestamp = time.Unix(int64(z.Score), 0).UTC()
		points = append(points, p)
	}

	return points, nil
}

// Queries lists the query ids that have history for a test case, sorted.
func (s *RedisStore) Queries(ctx context.Context, testCase string) ([]string, error) {
	prefix := s.testCasePrefix(testCase)

	var ids []string
	iter := s.client.Scan(ctx, 0, s.scanPattern(testCase), 100).Iterator()
	for iter.Next(ctx) {
		id, err := url.QueryUnescape(strings.TrimPrefix(iter.Val(), prefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}

// DeleteTestCase removes all history for a test case.
func (s *RedisStore) DeleteTestCase(ctx context.Context, testCase string) error {
	ids, err := s.Queries(ctx, testCase)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(testCase, id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func pointFrom(runID string, q evaluation.QuerySummary) Point {
	p := Point{
		RunID:      runID,
		Rank1Score: q.Rank1Score,
		Hits:       len(q.Results),
	}
	if q.Rank1DocumentID != nil {
		p.Rank1DocumentID = *q.Rank1DocumentID
	}
	if q.Rank1CorpusPath != nil {
		p.Rank1CorpusPath = *q.Rank1CorpusPath
	}
	return p
}

// Members carry the run id, so two runs with equal scores stay distinct.
func encodePoint(p Point) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding history point: %w", err)
	}
	return string(data), nil
}

func decodePoint(member string) (Point, error) {
	var p Point
	if err := json.Unmarshal([]byte(member), &p); err != nil {
		return Point{}, err
	}
	return p, nil
}
