package session

// Correlate matches the observed location against the directory's
// group-instance records. Two tiers, first match wins:
//
//   - strict: record.Location equals the raw location, or the record's
//     "worldId:instanceId" composition does (for records lacking a combined
//     location string);
//   - robust: same world id and equal non-empty base instance ids, which
//     tolerates modifier tags present on one side only.
//
// A strict match on any record beats a robust match on any record.
//
// When neither tier matches but the instance's own group tag equals the
// operator's selected group, a record is synthesized from local fields so
// consumers still see a known group instance while the directory listing is
// stale. The synthetic record is shaped like any other and carries no flag.
//
// Returns the matched (or synthesized) record and whether it belongs to the
// selected group.
func Correlate(loc ObservedLocation, records []GroupInstanceRecord, selectedGroupID string, rosterSize int, worldName string) (*GroupInstanceRecord, bool) {
	if loc.RawLocation == "" {
		return nil, false
	}

	for i := range records {
		if matchStrict(records[i], loc.RawLocation) {
			return pick(records[i], selectedGroupID)
		}
	}

	if obsWorld, obsInst, ok := SplitRawLocation(loc.RawLocation); ok {
		obsBase := BaseInstanceID(obsInst)
		for i := range records {
			if matchRobust(records[i], obsWorld, obsBase) {
				return pick(records[i], selectedGroupID)
			}
		}
	}

	if selectedGroupID != "" && loc.GroupID() == selectedGroupID {
		rec := GroupInstanceRecord{
			Location:   loc.RawLocation,
			WorldID:    loc.WorldID,
			InstanceID: loc.InstanceID,
			OwnerID:    selectedGroupID,
			WorldName:  worldName,
			Count:      rosterSize,
		}
		return &rec, true
	}

	return nil, false
}

func matchStrict(rec GroupInstanceRecord, rawLocation string) bool {
	if rec.Location != "" && rec.Location == rawLocation {
		return true
	}
	return rec.WorldID != "" && rec.WorldID+":"+rec.InstanceID == rawLocation
}

func matchRobust(rec GroupInstanceRecord, obsWorld, obsBase string) bool {
	if rec.WorldID != obsWorld {
		return false
	}
	recBase := BaseInstanceID(rec.InstanceID)
	return obsBase != "" && recBase != "" && obsBase == recBase
}

func pick(rec GroupInstanceRecord, selectedGroupID string) (*GroupInstanceRecord, bool) {
	out := rec
	return &out, selectedGroupID != "" && rec.OwnerID == selectedGroupID
}
