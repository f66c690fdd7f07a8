package service

import (
	"context"

	"github.com/openmx/identityd/internal/cache"
	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/repository"
)

const (
	// LookupAlgorithmSHA256 hashes each threepid with the advertised pepper.
	LookupAlgorithmSHA256 = "sha256"
	// LookupAlgorithmNone sends "{address} {medium}" pairs in the clear.
	LookupAlgorithmNone = "none"
)

// HashDetails is what clients need before performing a hashed lookup.
type HashDetails struct {
	LookupPepper string   `json:"lookup_pepper"`
	Algorithms   []string `json:"algorithms"`
}

// LookupService serves privacy-preserving bulk lookups against the global
// association table.
type LookupService struct {
	globalRepo  repository.GlobalAssociationRepository
	hashing     *HashingService
	lookupCache *cache.LookupCache
}

func NewLookupService(globalRepo repository.GlobalAssociationRepository, hashing *HashingService, lookupCache *cache.LookupCache) *LookupService {
	return &LookupService{globalRepo: globalRepo, hashing: hashing, lookupCache: lookupCache}
}

func (s *LookupService) HashDetails(ctx context.Context) (*HashDetails, error) {
	pepper, err := s.hashing.Pepper(ctx)
	if err != nil {
		return nil, apperrors.Internal("pepper unavailable").WithCause(err)
	}
	return &HashDetails{
		LookupPepper: pepper,
		Algorithms:   []string{LookupAlgorithmNone, LookupAlgorithmSHA256},
	}, nil
}

// Lookup resolves hashed (or, with algorithm "none", plaintext) threepids
// to mxids. For sha256, clients must hash under the currently advertised
// pepper; a stale pepper is rejected so the client re-fetches hash details.
func (s *LookupService) Lookup(ctx context.Context, algorithm, pepper string, addresses []string) (map[string]string, error) {
	switch algorithm {
	case LookupAlgorithmSHA256:
		current, err := s.hashing.Pepper(ctx)
		if err != nil {
			return nil, apperrors.Internal("pepper unavailable").WithCause(err)
		}
		if pepper != current {
			return nil, apperrors.InvalidPepper()
		}
		return s.lookupHashes(ctx, addresses)

	case LookupAlgorithmNone:
		return s.lookupPlaintext(ctx, addresses)

	default:
		return nil, apperrors.InvalidParam("algorithm", "must be one of none, sha256")
	}
}

func (s *LookupService) lookupHashes(ctx context.Context, hashes []string) (map[string]string, error) {
	mappings := make(map[string]string, len(hashes))
	misses := make([]string, 0, len(hashes))

	for _, hash := range hashes {
		if mxid, ok := s.lookupCache.GetHash(ctx, hash); ok {
			mappings[hash] = mxid
		} else {
			misses = append(misses, hash)
		}
	}

	if len(misses) > 0 {
		resolved, err := s.globalRepo.RetrieveMxidsForHashes(ctx, misses)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		for hash, mxid := range resolved {
			mappings[hash] = mxid
			s.lookupCache.SetHash(ctx, hash, mxid)
		}
	}

	return mappings, nil
}

// lookupPlaintext resolves "{address} {medium}" pairs. The response is
// keyed by the same pair string the client sent.
func (s *LookupService) lookupPlaintext(ctx context.Context, pairs []string) (map[string]string, error) {
	tuples := make([]repository.ThreepidTuple, 0, len(pairs))
	keyFor := make(map[repository.ThreepidTuple]string, len(pairs))

	for _, pair := range pairs {
		tuple, ok := parsePlaintextPair(pair)
		if !ok {
			return nil, apperrors.InvalidParam("addresses", "entries must be \"address medium\" pairs")
		}
		tuples = append(tuples, tuple)
		keyFor[tuple] = pair
	}

	results, err := s.globalRepo.GetMxids(ctx, tuples)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	mappings := make(map[string]string, len(results))
	for _, result := range results {
		tuple := repository.ThreepidTuple{Medium: result.Medium, Address: result.Address}
		if key, ok := keyFor[tuple]; ok {
			mappings[key] = result.Mxid
		}
	}
	return mappings, nil
}

// SingleLookup resolves one (medium, address), consulting the cache first.
func (s *LookupService) SingleLookup(ctx context.Context, medium model.Medium, address string) (*string, error) {
	address = model.NormaliseAddress(address, medium)

	if mxid, ok := s.lookupCache.GetMxid(ctx, medium, address); ok {
		return &mxid, nil
	}

	mxid, err := s.globalRepo.GetMxid(ctx, medium, address)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if mxid != nil {
		s.lookupCache.SetMxid(ctx, medium, address, *mxid)
	}
	return mxid, nil
}

func parsePlaintextPair(pair string) (repository.ThreepidTuple, bool) {
	// "address medium", address must not contain spaces for supported media.
	idx := lastSpace(pair)
	if idx <= 0 || idx == len(pair)-1 {
		return repository.ThreepidTuple{}, false
	}
	address := pair[:idx]
	medium := model.Medium(pair[idx+1:])
	if medium != model.MediumEmail && medium != model.MediumMsisdn {
		return repository.ThreepidTuple{}, false
	}
	return repository.ThreepidTuple{
		Medium:  medium,
		Address: model.NormaliseAddress(address, medium),
	}, true
}

func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}
