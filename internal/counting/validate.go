package counting

// modePolicy declares what a counting mode demands of each record. New modes
// are added to the table, not to branch logic.
type modePolicy struct {
	requiresProduct bool
}

var modePolicies = map[CountMode]modePolicy{
	ModeBulk:       {},
	ModeByArticle:  {requiresProduct: true},
	ModeStockImage: {},
}

// validateBatch checks every record against the preloaded entities. The
// first failure rejects the whole batch; no mutation happens before every
// record has passed.
func validateBatch(records []BatchRecord, cache *PreloadCache) error {
	seen := make(map[DetailKey]int, len(records))
	for index, record := range records {
		if err := validateRecord(index, record, cache); err != nil {
			return err
		}
		key := KeyOf(record.CountingID, record.LocationID, record.ProductID)
		if _, dup := seen[key]; dup {
			return &ValidationError{Index: index, Field: "record", Reason: "duplicates an earlier record in the batch"}
		}
		seen[key] = index
	}
	return nil
}

func validateRecord(index int, record BatchRecord, cache *PreloadCache) error {
	if record.CountingID == 0 {
		return &ValidationError{Index: index, Field: "counting_id", Reason: "is required"}
	}
	if record.LocationID == 0 {
		return &ValidationError{Index: index, Field: "location_id", Reason: "is required"}
	}
	if record.AssignmentID == 0 {
		return &ValidationError{Index: index, Field: "assignment_id", Reason: "is required"}
	}
	if record.Quantity <= 0 {
		return &ValidationError{Index: index, Field: "quantity", Reason: "must be a positive integer"}
	}

	cnt, ok := cache.Countings[record.CountingID]
	if !ok {
		return &ReferenceError{Index: index, Entity: "counting", ID: record.CountingID}
	}
	if _, ok := cache.Locations[record.LocationID]; !ok {
		return &ReferenceError{Index: index, Entity: "location", ID: record.LocationID}
	}
	assignment, ok := cache.Assignments[record.AssignmentID]
	if !ok {
		return &ReferenceError{Index: index, Entity: "assignment", ID: record.AssignmentID}
	}

	policy, ok := modePolicies[cnt.Mode]
	if !ok {
		return &ValidationError{Index: index, Field: "counting_id", Reason: "has unknown count mode " + string(cnt.Mode)}
	}
	if policy.requiresProduct && record.ProductID == nil {
		return &ModeRuleError{Index: index, Mode: cnt.Mode, Field: "product_id is required"}
	}

	var product Product
	if record.ProductID != nil {
		product, ok = cache.Products[*record.ProductID]
		if !ok {
			return &ReferenceError{Index: index, Entity: "product", ID: *record.ProductID}
		}
	}

	// A present-but-empty value is rejected, never defaulted.
	if (cnt.RequiresLot || product.TracksLot) && record.Lot == "" {
		return &ValidationError{Index: index, Field: "lot", Reason: "is required and must be non-empty"}
	}
	if cnt.RequiresSerial || product.TracksSerial {
		if len(record.Serials) == 0 {
			return &ValidationError{Index: index, Field: "serials", Reason: "are required"}
		}
		for _, serial := range record.Serials {
			if serial == "" {
				return &ValidationError{Index: index, Field: "serials", Reason: "must be non-empty"}
			}
		}
	}
	if (cnt.RequiresExpiry || product.TracksExpiry) && record.Expiry == nil {
		return &ValidationError{Index: index, Field: "expiry", Reason: "is required"}
	}

	jobKey := JobDetailKey{JobID: assignment.JobID, CountingID: record.CountingID, LocationID: record.LocationID}
	if _, ok := cache.JobDetails[jobKey]; !ok {
		return &ValidationError{Index: index, Field: "location_id", Reason: "has no job detail for this assignment's job and counting"}
	}
	return nil
}
