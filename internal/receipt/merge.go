package receipt

// Merge combines the records extracted from several photos of the same
// receipt. The first readable date and location win, items are concatenated in
// input order and the last readable total wins, since totals are printed at
// the bottom of the receipt.
func Merge(records ...*Record) *Record {
	merged := NotReceipt()
	for _, r := range records {
		if r == nil {
			continue
		}
		if merged.Date == Unreadable && r.Date != Unreadable {
			merged.Date = r.Date
		}
		if merged.Location == Unreadable && r.Location != Unreadable {
			merged.Location = r.Location
		}
		merged.Items = append(merged.Items, r.Items...)
		if r.TotalAmount != UnreadableAmount {
			merged.TotalAmount = r.TotalAmount
		}
	}
	return merged
}
