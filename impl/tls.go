package impl

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/libdns/porkbun"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "webdmx:tls"

// storage keeps certmagic's certificates in redis so gateway instances
// behind the same domain share them.
type storage struct {
	rdb    *redis.Client
	locker *redislock.Client
	locks  sync.Map
}

func NewStorage(rdb *redis.Client) certmagic.Storage {
	return &storage{
		rdb:    rdb,
		locker: redislock.New(rdb),
	}
}

func key(name string) string {
	return fmt.Sprintf("%v:%v", keyPrefix, name)
}

func (s *storage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(time.Second),
	}

	lock, err := s.locker.Obtain(ctx, key("lock:"+name), time.Minute, opts)
	if err != nil {
		return err
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *storage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *storage) Store(ctx context.Context, name string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, key(name), hashmap).Err()
}

func (s *storage) Load(ctx context.Context, name string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, key(name), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *storage) Delete(ctx context.Context, name string) error {
	return s.rdb.Del(ctx, key(name)).Err()
}

func (s *storage) Exists(ctx context.Context, name string) bool {
	res, err := s.rdb.Exists(ctx, key(name)).Result()
	return err == nil && res > 0
}

func (s *storage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	pattern := key(prefix)
	if recursive {
		pattern += "*"
	}

	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(keyPrefix)+1:])
	}

	return out, nil
}

func (s *storage) Stat(ctx context.Context, name string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, key(name), "modified", "size").Result()
	if err != nil {
		return info, err
	}

	if res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.ParseInt(res[0].(string), 10, 64)
	if err != nil {
		return info, err
	}

	size, err := strconv.ParseInt(res[1].(string), 10, 64)
	if err != nil {
		return info, err
	}

	info.Key = name
	info.Modified = time.Unix(modified, 0)
	info.Size = size
	info.IsTerminal = true

	return info, nil
}

// TLSConfig obtains a certificate for domain through a porkbun DNS-01
// challenge.
func TLSConfig(domain, apiKey, apiSecret string, rdb *redis.Client) (*tls.Config, error) {
	certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
		DNSProvider: &porkbun.Provider{
			APIKey:       apiKey,
			APISecretKey: apiSecret,
		},
	}

	certmagic.Default.Storage = NewStorage(rdb)

	return certmagic.TLS([]string{domain})
}
