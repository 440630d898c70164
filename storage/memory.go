package storage

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStorage keeps everything in process; used when MongoDB is unavailable and in tests
type MemoryStorage struct {
	nonces map[int64]NonceRecord
	access map[int64]AccessRecord
	cache  map[string]cacheEntry
	mutex  sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nonces: make(map[int64]NonceRecord),
		access: make(map[int64]AccessRecord),
		cache:  make(map[string]cacheEntry),
	}
}

func (m *MemoryStorage) SaveNonce(_ context.Context, rec *NonceRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nonces[rec.UserId] = *rec
	return nil
}

func (m *MemoryStorage) GetNonce(_ context.Context, userId int64) (*NonceRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.nonces[userId]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStorage) DeleteNonce(_ context.Context, userId int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.nonces, userId)
	return nil
}

func (m *MemoryStorage) DeleteExpiredNonce(_ context.Context, userId int64, nonce string, now time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rec, ok := m.nonces[userId]
	if ok && rec.Nonce == nonce && rec.Expired(now) {
		delete(m.nonces, userId)
	}
	return nil
}

func (m *MemoryStorage) TakeNonce(_ context.Context, userId int64, nonce string, now time.Time) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rec, ok := m.nonces[userId]
	if !ok || rec.Nonce != nonce || rec.Expired(now) {
		return false, nil
	}
	delete(m.nonces, userId)
	return true, nil
}

func (m *MemoryStorage) GetAccess(_ context.Context, userId int64) (*AccessRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.access[userId]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStorage) SaveAccess(_ context.Context, rec *AccessRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rec.UpdatedAt = time.Now()
	m.access[rec.UserId] = *rec
	return nil
}

func (m *MemoryStorage) ClearAccess(_ context.Context, userId int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.access, userId)
	return nil
}

func (m *MemoryStorage) GetCached(_ context.Context, key string) (string, bool, error) {
	m.mutex.RLock()
	entry, ok := m.cache[key]
	m.mutex.RUnlock()
	if !ok {
		return "", false, nil
	}
	if now := time.Now(); !now.Before(entry.expiresAt) {
		m.mutex.Lock()
		if current, ok := m.cache[key]; ok && !now.Before(current.expiresAt) {
			delete(m.cache, key)
		}
		m.mutex.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStorage) PutCached(_ context.Context, key, value string, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
