package metadatastore

// CASChecker is the minimal capability the validator needs from the
// content-addressable store; *cas.Store satisfies it.
type CASChecker interface {
	Exists(hash string) bool
}

// RowDiagnostic reports the validity of a single row.
type RowDiagnostic struct {
	ID          uint
	VirtualPath string
	Hash        string
	Valid       bool
}

// Report is the outcome of a consistency validation run (spec §4.4).
type Report struct {
	ValidCount   int
	InvalidCount int
	TotalSizeValid   int64
	TotalSizeInvalid int64
	Diagnostics  []RowDiagnostic
}

// Validator cross-checks a MetadataStore's rows against a CAS,
// asserting CAS.exists(row.hash) for each row. The engine runs this
// after it loads a checkpoint to resume from; it is not run after a
// schema migration.
type Validator struct {
	store *Store
	cas   CASChecker
}

// NewValidator builds a Validator bound to store and cas.
func NewValidator(store *Store, cas CASChecker) *Validator {
	return &Validator{store: store, cas: cas}
}

// Validate iterates every row for workspaceID and reports which ones
// reference an object still present in the CAS.
func (v *Validator) Validate(workspaceID string) (Report, error) {
	rows, err := v.store.GetAll(workspaceID)
	if err != nil {
		return Report{}, err
	}

	var report Report
	report.Diagnostics = make([]RowDiagnostic, 0, len(rows))

	for _, row := range rows {
		valid := v.cas.Exists(row.SHA256Hash)
		report.Diagnostics = append(report.Diagnostics, RowDiagnostic{
			ID:          row.ID,
			VirtualPath: row.VirtualPath,
			Hash:        row.SHA256Hash,
			Valid:       valid,
		})
		if valid {
			report.ValidCount++
			report.TotalSizeValid += row.Size
		} else {
			report.InvalidCount++
			report.TotalSizeInvalid += row.Size
		}
	}

	return report, nil
}
