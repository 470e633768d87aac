package counting

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// LookupRepository resolves the entities a batch references, one bulk call
// per entity kind.
type LookupRepository interface {
	GetCountings(ctx context.Context, ids []int64) (map[int64]Counting, error)
	GetLocations(ctx context.Context, ids []int64) (map[int64]Location, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	GetAssignments(ctx context.Context, ids []int64) (map[int64]AssignmentRef, error)
	GetJobDetails(ctx context.Context, keys []JobDetailKey) (map[JobDetailKey]JobDetail, error)
	GetCountingDetails(ctx context.Context, keys []DetailKey) (map[DetailKey]CountingDetail, error)
}

// PreloadCache holds every entity referenced by one batch, resolved with a
// bounded number of bulk lookups regardless of batch size.
type PreloadCache struct {
	Countings   map[int64]Counting
	Locations   map[int64]Location
	Products    map[int64]Product
	Assignments map[int64]AssignmentRef
	JobDetails  map[JobDetailKey]JobDetail
	Details     map[DetailKey]CountingDetail
}

// Preload resolves all references of records. Countings, locations, products
// and assignments load concurrently; job details and existing details need
// the assignments' job ids and therefore follow.
func Preload(ctx context.Context, repo LookupRepository, records []BatchRecord) (*PreloadCache, error) {
	cache := &PreloadCache{
		Countings:   map[int64]Counting{},
		Locations:   map[int64]Location{},
		Products:    map[int64]Product{},
		Assignments: map[int64]AssignmentRef{},
		JobDetails:  map[JobDetailKey]JobDetail{},
		Details:     map[DetailKey]CountingDetail{},
	}
	if len(records) == 0 {
		return cache, nil
	}

	countingIDs := map[int64]struct{}{}
	locationIDs := map[int64]struct{}{}
	productIDs := map[int64]struct{}{}
	assignmentIDs := map[int64]struct{}{}
	for _, record := range records {
		countingIDs[record.CountingID] = struct{}{}
		locationIDs[record.LocationID] = struct{}{}
		assignmentIDs[record.AssignmentID] = struct{}{}
		if record.ProductID != nil {
			productIDs[*record.ProductID] = struct{}{}
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		found, err := repo.GetCountings(groupCtx, keys(countingIDs))
		if err == nil {
			cache.Countings = found
		}
		return err
	})
	group.Go(func() error {
		found, err := repo.GetLocations(groupCtx, keys(locationIDs))
		if err == nil {
			cache.Locations = found
		}
		return err
	})
	group.Go(func() error {
		if len(productIDs) == 0 {
			return nil
		}
		found, err := repo.GetProducts(groupCtx, keys(productIDs))
		if err == nil {
			cache.Products = found
		}
		return err
	})
	group.Go(func() error {
		found, err := repo.GetAssignments(groupCtx, keys(assignmentIDs))
		if err == nil {
			cache.Assignments = found
		}
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	jobDetailKeys := map[JobDetailKey]struct{}{}
	detailKeys := map[DetailKey]struct{}{}
	for _, record := range records {
		if assignment, ok := cache.Assignments[record.AssignmentID]; ok {
			jobDetailKeys[JobDetailKey{
				JobID:      assignment.JobID,
				CountingID: record.CountingID,
				LocationID: record.LocationID,
			}] = struct{}{}
		}
		detailKeys[KeyOf(record.CountingID, record.LocationID, record.ProductID)] = struct{}{}
	}

	jobDetails, err := repo.GetJobDetails(ctx, keys(jobDetailKeys))
	if err != nil {
		return nil, err
	}
	cache.JobDetails = jobDetails

	details, err := repo.GetCountingDetails(ctx, keys(detailKeys))
	if err != nil {
		return nil, err
	}
	cache.Details = details

	return cache, nil
}

func keys[K comparable](set map[K]struct{}) []K {
	out := make([]K, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
