package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/cache"
	"github.com/openmx/identityd/internal/database"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

// rehashBatchSize bounds how many rows are rehashed per query during pepper
// rotation, so a large table does not get slurped into memory at once.
const rehashBatchSize = 500

// HashThreepid computes the lookup hash for an association:
// base64url-unpadded SHA256 of "{address} {medium} {pepper}".
// Addresses must already be normalised.
func HashThreepid(address string, medium model.Medium, pepper string) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s %s %s", address, medium, pepper)))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// HashingService owns the lookup pepper: a server-held secret mixed into
// every lookup hash so bulk lookups cannot be dictionary-attacked offline.
// The in-memory pepper cache is invalidated only through RotatePepper.
type HashingService struct {
	db          *database.DB
	hashingRepo repository.HashingRepository
	localRepo   repository.LocalAssociationRepository
	globalRepo  repository.GlobalAssociationRepository
	lookupCache *cache.LookupCache

	mu           sync.RWMutex
	cachedPepper *string
}

func NewHashingService(
	db *database.DB,
	hashingRepo repository.HashingRepository,
	localRepo repository.LocalAssociationRepository,
	globalRepo repository.GlobalAssociationRepository,
	lookupCache *cache.LookupCache,
) *HashingService {
	return &HashingService{
		db:          db,
		hashingRepo: hashingRepo,
		localRepo:   localRepo,
		globalRepo:  globalRepo,
		lookupCache: lookupCache,
	}
}

// Pepper returns the current lookup pepper, reading the store once and
// serving from memory afterwards.
func (s *HashingService) Pepper(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.cachedPepper != nil {
		pepper := *s.cachedPepper
		s.mu.RUnlock()
		return pepper, nil
	}
	s.mu.RUnlock()

	pepper, err := s.hashingRepo.GetPepper(ctx)
	if err != nil {
		return "", fmt.Errorf("read pepper: %w", err)
	}
	if pepper == nil {
		return "", fmt.Errorf("no lookup pepper configured")
	}

	s.mu.Lock()
	s.cachedPepper = pepper
	s.mu.Unlock()
	return *pepper, nil
}

// HashForThreepid hashes (medium, address) under the current pepper.
func (s *HashingService) HashForThreepid(ctx context.Context, medium model.Medium, address string) (string, error) {
	pepper, err := s.Pepper(ctx)
	if err != nil {
		return "", err
	}
	return HashThreepid(address, medium, pepper), nil
}

// EnsurePepper generates and installs a pepper when none exists yet. Runs
// at startup, before lookups are served.
func (s *HashingService) EnsurePepper(ctx context.Context) error {
	pepper, err := s.hashingRepo.GetPepper(ctx)
	if err != nil {
		return fmt.Errorf("read pepper: %w", err)
	}
	if pepper != nil {
		s.mu.Lock()
		s.cachedPepper = pepper
		s.mu.Unlock()
		return nil
	}

	generated, err := generatePepper()
	if err != nil {
		return err
	}
	log.Info().Msg("no lookup pepper found, generating one")
	return s.RotatePepper(ctx, generated)
}

// RotatePepper installs a new pepper and rehashes every row of both
// association tables under it. The pepper write and all rehashed rows land
// in one transaction: no state exists where the served pepper and the
// stored hashes disagree. Runs inline; the new pepper is not served to
// clients until rotation completes.
func (s *HashingService) RotatePepper(ctx context.Context, pepper string) error {
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.hashingRepo.WithTx(tx).SetPepper(ctx, pepper); err != nil {
			return fmt.Errorf("persist pepper: %w", err)
		}
		if err := s.rehashLocal(ctx, tx, pepper); err != nil {
			return fmt.Errorf("rehash local associations: %w", err)
		}
		if err := s.rehashGlobal(ctx, tx, pepper); err != nil {
			return fmt.Errorf("rehash global associations: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedPepper = &pepper
	s.mu.Unlock()

	// Every cached hash entry was computed under the old pepper.
	s.lookupCache.Flush(ctx)

	log.Info().Msg("lookup pepper rotated and all associations rehashed")
	return nil
}

func (s *HashingService) rehashLocal(ctx context.Context, tx *sqlx.Tx, pepper string) error {
	repo := s.localRepo.WithTx(tx)
	cursor := int64(0)
	for {
		rows, err := repo.RehashBatch(ctx, cursor, rehashBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			hash := HashThreepid(row.Address, row.Medium, pepper)
			if err := repo.SetLookupHash(ctx, row.ID, hash); err != nil {
				return err
			}
			cursor = row.ID
		}
	}
}

func (s *HashingService) rehashGlobal(ctx context.Context, tx *sqlx.Tx, pepper string) error {
	repo := s.globalRepo.WithTx(tx)
	cursor := int64(0)
	for {
		rows, err := repo.RehashBatch(ctx, cursor, rehashBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			hash := HashThreepid(row.Address, row.Medium, pepper)
			if err := repo.SetLookupHash(ctx, row.ID, hash); err != nil {
				return err
			}
			cursor = row.ID
		}
	}
}

func generatePepper() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate pepper: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
