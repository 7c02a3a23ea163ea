package prekey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AtharvaBansod/CAAS-sub003/internal/model"
	redisSvc "github.com/AtharvaBansod/CAAS-sub003/internal/service/redis"
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LowWaterMark is the one-time pre-key count below which a bundle should
// be replenished.
const LowWaterMark = 10

const (
	// negativeEntry marks a user known to have no bundle.
	negativeEntry = "null"

	maxFetchAttempts = 3
	epochTTL         = 24 * time.Hour
)

// absent stands in for a known-missing bundle between lookup and filtering.
var absent = &model.PreKeyBundle{}

var (
	ErrRateLimited          = errors.New("pre-key bundle rate limit exceeded")
	ErrDirectoryUnavailable = errors.New("pre-key directory unavailable")
	ErrBundleRejected       = errors.New("pre-key bundle rejected by directory")

	errStaleFetch = errors.New("pre-key bundle changed during fetch")
)

type (
	Config struct {
		BaseURL            string
		CacheTTL           time.Duration
		NegativeCacheTTL   time.Duration
		RateLimitPerMinute int64
		Timeout            time.Duration
		RetryMax           int
		RetryWaitMin       time.Duration
		RetryWaitMax       time.Duration
	}

	// DirectoryClient talks to the remote pre-key directory and keeps a
	// short-lived copy of fetched bundles in Redis.
	DirectoryClient struct {
		cfg   Config
		http  *retryablehttp.Client
		redis *redisSvc.RedisService
		fetch singleflight.Group
	}

	publishRequest struct {
		UserID string `json:"user_id"`
		model.PublishBundle
		Timestamp int64 `json:"timestamp"`
	}
)

func DefaultConfig() Config {
	return Config{
		CacheTTL:           time.Hour,
		NegativeCacheTTL:   30 * time.Second,
		RateLimitPerMinute: 10,
		Timeout:            5 * time.Second,
		RetryMax:           3,
		RetryWaitMin:       100 * time.Millisecond,
		RetryWaitMax:       time.Second,
	}
}

func NewDirectoryClient(cfg Config, rds *redisSvc.RedisService) *DirectoryClient {
	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = cfg.RetryWaitMin
	hc.RetryWaitMax = cfg.RetryWaitMax
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = retryLogger{}

	return &DirectoryClient{
		cfg:   cfg,
		http:  hc,
		redis: rds,
	}
}

func bundleKey(userID string) string {
	return fmt.Sprintf("prekey:bundle:%s", userID)
}

func consumedKey(userID string) string {
	return fmt.Sprintf("prekey:consumed:%s", userID)
}

// epochKey counts invalidations of userID's bundle. A fetch only caches
// what it read when the epoch did not move in between.
func epochKey(userID string) string {
	return fmt.Sprintf("prekey:epoch:%s", userID)
}

func rateLimitKey(requesterID string) string {
	return fmt.Sprintf("prekey:ratelimit:%s", requesterID)
}

// BundleID names one one-time pre-key at the directory.
func BundleID(userID string, keyID uint32) string {
	return fmt.Sprintf("%s:%d", userID, keyID)
}

// RequestBundle returns targetUserID's bundle, or nil when the user has
// not published one. One-time keys already consumed through this client
// are never returned.
func (c *DirectoryClient) RequestBundle(ctx context.Context, requesterID, targetUserID string) (*model.PreKeyBundle, error) {
	n, err := c.redis.IncrWithin(ctx, rateLimitKey(requesterID), time.Minute)
	if err != nil {
		return nil, err
	}
	if n > c.cfg.RateLimitPerMinute {
		log.Warn("pre-key bundle request rate limit exceeded",
			zap.String("requester_id", requesterID),
			zap.String("target_user_id", targetUserID),
		)
		return nil, ErrRateLimited
	}

	bundle, err := c.cachedBundle(ctx, targetUserID)
	if err != nil {
		return nil, err
	}

	if bundle == nil {
		// the shared fetch must not die with whichever caller started it
		ch := c.fetch.DoChan(targetUserID, func() (any, error) {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
			defer cancel()
			return c.fetchBundle(fctx, targetUserID)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			bundle = res.Val.(*model.PreKeyBundle)
		}
	}

	if bundle == absent {
		return nil, nil
	}
	return c.withoutConsumed(ctx, targetUserID, bundle)
}

// cachedBundle returns (nil, nil) on a miss and absent for a negative entry.
func (c *DirectoryClient) cachedBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	data, err := c.redis.GetBytes(ctx, bundleKey(userID))
	if redisSvc.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if string(data) == negativeEntry {
		log.Debug("pre-key bundle negative cache hit", zap.String("target_user_id", userID))
		return absent, nil
	}

	var bundle model.PreKeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		log.Warn("dropping unreadable cached bundle", zap.String("target_user_id", userID), zap.Error(err))
		return nil, c.redis.Del(ctx, bundleKey(userID))
	}

	log.Debug("pre-key bundle found in cache", zap.String("target_user_id", userID))
	return &bundle, nil
}

// fetchTimeout bounds one shared fetch including its retries.
func (c *DirectoryClient) fetchTimeout() time.Duration {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return time.Duration(c.cfg.RetryMax+1)*timeout + time.Duration(c.cfg.RetryMax)*c.cfg.RetryWaitMax
}

// fetchBundle reads userID's bundle from the directory. A read that raced
// a publish or a removal is thrown away and retried.
func (c *DirectoryClient) fetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		bundle, err := c.fetchOnce(ctx, userID)
		if !errors.Is(err, errStaleFetch) {
			return bundle, err
		}
		log.Debug("pre-key bundle changed during fetch", zap.String("target_user_id", userID), zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: bundle of %s kept changing", ErrDirectoryUnavailable, userID)
}

func (c *DirectoryClient) fetchOnce(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	epoch, err := c.redis.Get(ctx, epochKey(userID))
	if err != nil && !redisSvc.IsNil(err) {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, "/prekey-bundles/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		log.Warn("pre-key bundle not found", zap.String("target_user_id", userID))
		if err := c.cacheUnchanged(ctx, userID, epoch, negativeEntry, c.cfg.NegativeCacheTTL); err != nil {
			if errors.Is(err, errStaleFetch) {
				return nil, err
			}
			log.Warn("negative cache write failed", zap.String("target_user_id", userID), zap.Error(err))
		}
		return absent, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: GET bundle status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	var bundle model.PreKeyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: malformed bundle: %v", ErrDirectoryUnavailable, err)
	}

	if err := c.cacheUnchanged(ctx, userID, epoch, data, c.cfg.CacheTTL); err != nil {
		if errors.Is(err, errStaleFetch) {
			return nil, err
		}
		log.Warn("pre-key bundle cache write failed", zap.String("target_user_id", userID), zap.Error(err))
	}

	log.Info("pre-key bundle fetched and cached", zap.String("target_user_id", userID))
	return &bundle, nil
}

// cacheUnchanged stores value as userID's cached bundle only while the
// epoch still reads epoch. It returns errStaleFetch otherwise.
func (c *DirectoryClient) cacheUnchanged(ctx context.Context, userID, epoch string, value any, ttl time.Duration) error {
	key := epochKey(userID)
	err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !redisSvc.IsNil(err) {
			return err
		}
		if cur != epoch {
			return errStaleFetch
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, bundleKey(userID), value, ttl)
			return nil
		})
		return err
	}, key)
	if redisSvc.IsTxFailed(err) {
		return errStaleFetch
	}
	return err
}

// invalidate moves userID's epoch and drops the cached bundle in one
// transaction. staleConsumed ids are forgotten alongside.
func (c *DirectoryClient) invalidate(ctx context.Context, userID string, staleConsumed ...any) error {
	return c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, epochKey(userID))
		p.Expire(ctx, epochKey(userID), epochTTL)
		p.Del(ctx, bundleKey(userID))
		if len(staleConsumed) > 0 {
			p.SRem(ctx, consumedKey(userID), staleConsumed...)
		}
		return nil
	})
}

// withoutConsumed copies bundle, dropping one-time keys marked consumed.
func (c *DirectoryClient) withoutConsumed(ctx context.Context, userID string, bundle *model.PreKeyBundle) (*model.PreKeyBundle, error) {
	consumed, err := c.redis.SMembers(ctx, consumedKey(userID))
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(consumed))
	for _, id := range consumed {
		skip[id] = struct{}{}
	}

	out := *bundle
	out.OneTimePreKeys = make([]model.OneTimePreKey, 0, len(bundle.OneTimePreKeys))
	for _, k := range bundle.OneTimePreKeys {
		if _, ok := skip[strconv.FormatUint(uint64(k.KeyID), 10)]; ok {
			continue
		}
		out.OneTimePreKeys = append(out.OneTimePreKeys, k)
	}
	return &out, nil
}

// PublishBundle uploads userID's bundle and drops the cached copy.
func (c *DirectoryClient) PublishBundle(ctx context.Context, userID string, bundle model.PublishBundle) error {
	body, err := json.Marshal(publishRequest{
		UserID:        userID,
		PublishBundle: bundle,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPost, "/prekey-bundles", body)
	if err != nil {
		log.Error("publish pre-key bundle failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	resp.Body.Close()

	if err := statusError("publish bundle", resp.StatusCode); err != nil {
		log.Error("publish pre-key bundle failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}

	// consumed ids the new bundle still lists stay hidden
	stale, err := c.unlistedConsumed(ctx, userID, bundle)
	if err != nil {
		return err
	}
	if err := c.invalidate(ctx, userID, stale...); err != nil {
		return err
	}

	log.Info("pre-key bundle published",
		zap.String("user_id", userID),
		zap.Int("one_time_pre_keys", len(bundle.OneTimePreKeys)),
	)
	return nil
}

// unlistedConsumed returns the consumed ids that bundle no longer lists.
func (c *DirectoryClient) unlistedConsumed(ctx context.Context, userID string, bundle model.PublishBundle) ([]any, error) {
	consumed, err := c.redis.SMembers(ctx, consumedKey(userID))
	if err != nil {
		return nil, err
	}

	listed := make(map[string]struct{}, len(bundle.OneTimePreKeys))
	for _, k := range bundle.OneTimePreKeys {
		listed[strconv.FormatUint(uint64(k.KeyID), 10)] = struct{}{}
	}

	var stale []any
	for _, id := range consumed {
		if _, ok := listed[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// RemoveUsedPreKey consumes one one-time pre-key. The key is marked
// consumed locally before the remote delete, so it is never served again
// even if a fetch is in flight.
func (c *DirectoryClient) RemoveUsedPreKey(ctx context.Context, userID string, keyID uint32) error {
	if err := c.redis.SAdd(ctx, consumedKey(userID), keyID); err != nil {
		return err
	}
	if err := c.redis.Expire(ctx, consumedKey(userID), c.cfg.CacheTTL); err != nil {
		return err
	}

	bundleID := BundleID(userID, keyID)
	resp, err := c.do(ctx, http.MethodDelete, "/prekey-bundles/"+url.PathEscape(bundleID), nil)
	if err != nil {
		log.Error("remove pre-key failed", zap.String("user_id", userID), zap.String("bundle_id", bundleID), zap.Error(err))
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		if err := statusError("remove pre-key", resp.StatusCode); err != nil {
			log.Error("remove pre-key failed", zap.String("user_id", userID), zap.String("bundle_id", bundleID), zap.Error(err))
			return err
		}
	}

	if err := c.invalidate(ctx, userID); err != nil {
		return err
	}

	log.Info("one-time pre-key removed", zap.String("user_id", userID), zap.String("bundle_id", bundleID))
	return nil
}

// CheckBundleRotation reports whether userID should publish new keys.
func (c *DirectoryClient) CheckBundleRotation(ctx context.Context, userID string) (bool, error) {
	bundle, err := c.RequestBundle(ctx, userID, userID)
	if err != nil {
		return false, err
	}
	if bundle == nil {
		return true, nil
	}
	return len(bundle.OneTimePreKeys) < LowWaterMark, nil
}

func (c *DirectoryClient) ClearCache(ctx context.Context, userID string) error {
	if err := c.redis.Del(ctx, bundleKey(userID)); err != nil {
		return err
	}
	log.Debug("pre-key bundle cache cleared", zap.String("user_id", userID))
	return nil
}

func (c *DirectoryClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var raw any
	if body != nil {
		raw = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, raw)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return resp, nil
}

func statusError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %s status %d", ErrBundleRejected, op, status)
	default:
		return fmt.Errorf("%w: %s status %d", ErrDirectoryUnavailable, op, status)
	}
}
