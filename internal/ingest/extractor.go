package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/avrec/logbookgo/internal/ai"
	"github.com/avrec/logbookgo/internal/blobstore"
	"github.com/avrec/logbookgo/internal/models"
	"github.com/avrec/logbookgo/internal/store"
)

// confidenceThreshold is the score below which an entry is flagged for human
// review regardless of what the model claimed.
const confidenceThreshold = 0.85

// minNarrativeLength filters out narratives too short to embed usefully.
const minNarrativeLength = 10

// Extractor processes one page per task: sends the image to the vision model,
// parses and normalizes the structured result, and persists entries with their
// child records and narrative embeddings.
//
// Task delivery is at-least-once. Processing a page twice re-inserts its
// entries; deduplication is a review concern, not a pipeline one.
type Extractor struct {
	store Store
	blobs blobstore.ObjectStore
	ai    ai.Client

	// modelName is stamped onto every page this worker extracts
	modelName string
}

// NewExtractor wires an extraction worker
func NewExtractor(st Store, blobs blobstore.ObjectStore, client ai.Client, modelName string) *Extractor {
	return &Extractor{store: st, blobs: blobs, ai: client, modelName: modelName}
}

// HandleMessage decodes one task and processes its page. Any processing error
// marks the page failed and rolls up batch completion before the error
// propagates to the queue for redelivery.
func (e *Extractor) HandleMessage(ctx context.Context, body string) error {
	var task Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		log.Printf("⚠️  Unparseable task, dropping: %v", err)
		return nil
	}

	if err := e.Process(ctx, task); err != nil {
		log.Printf("❌ Page %d of batch %s failed: %v", task.PageNumber, task.BatchID, err)
		if markErr := e.store.SetPageStatus(ctx, task.PageID, models.PageStatusFailed); markErr != nil {
			log.Printf("⚠️  Could not mark page %s failed: %v", task.PageID, markErr)
		}
		if rollupErr := CheckCompletion(ctx, e.store, task.BatchID); rollupErr != nil {
			log.Printf("⚠️  Completion check for batch %s failed: %v", task.BatchID, rollupErr)
		}
		return err
	}
	return nil
}

// Process runs the full extraction flow for one page.
func (e *Extractor) Process(ctx context.Context, task Task) error {
	if err := e.store.SetPageStatus(ctx, task.PageID, models.PageStatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	image, mimeType, err := e.downloadImage(ctx, task.ImageKey)
	if err != nil {
		return err
	}

	responseText, err := e.ai.ExtractPage(ctx, image, mimeType)
	if err != nil {
		return fmt.Errorf("extract page: %w", err)
	}
	responseText = ai.CleanMarkdownFences(responseText)

	var extraction ExtractionResult
	if err := json.Unmarshal([]byte(responseText), &extraction); err != nil {
		return fmt.Errorf("parse extraction response: %w", err)
	}
	if extraction.PageType == "" {
		extraction.PageType = "other"
	}

	raw, _ := json.Marshal(extraction)
	if err := e.store.RecordExtraction(ctx, task.PageID, datatypes.JSON(raw), extraction.PageType, e.modelName); err != nil {
		return fmt.Errorf("record extraction: %w", err)
	}

	batch, err := e.store.GetBatch(ctx, task.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		// Referential breakage is not retryable, consume the task
		log.Printf("⚠️  Batch %s not found for page %s, marking failed", task.BatchID, task.PageID)
		if markErr := e.store.SetPageStatus(ctx, task.PageID, models.PageStatusFailed); markErr != nil {
			return markErr
		}
		// The rollup runs after every terminal page write; with the batch
		// row gone it can only log, and its error must not resurrect the task
		if rollupErr := CheckCompletion(ctx, e.store, task.BatchID); rollupErr != nil {
			log.Printf("⚠️  Completion check for batch %s failed: %v", task.BatchID, rollupErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}

	aircraft, err := e.store.GetAircraft(ctx, batch.AircraftID)
	if err != nil {
		return fmt.Errorf("get aircraft: %w", err)
	}

	needsReview := false
	saved := 0
	for i := range extraction.Entries {
		entry := &extraction.Entries[i]
		checkAircraftIdentity(entry, aircraft)
		flagForReview(entry)
		if entry.NeedsReview {
			needsReview = true
		}

		if err := e.saveEntry(ctx, aircraft.ID, task.PageID, entry); err != nil {
			// One bad entry does not fail the page
			log.Printf("⚠️  Save entry failed on page %s: %v", task.PageID, err)
			continue
		}
		saved++
	}

	if err := e.store.CompletePage(ctx, task.PageID, needsReview); err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	if err := CheckCompletion(ctx, e.store, task.BatchID); err != nil {
		return fmt.Errorf("completion check: %w", err)
	}

	log.Printf("✅ Page %d of batch %s: %d/%d entries saved (review=%v)",
		task.PageNumber, task.BatchID, saved, len(extraction.Entries), needsReview)
	return nil
}

func (e *Extractor) downloadImage(ctx context.Context, key string) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(key))
	if ext == "" {
		ext = ".jpg"
	}
	mimeType := contentTypeMap[ext]
	if mimeType == "" || mimeType == "application/pdf" {
		mimeType = "image/jpeg"
	}

	reader, err := e.blobs.Get(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	return data, mimeType, nil
}

// ExtractionResult is the model's structured reading of one page.
type ExtractionResult struct {
	PageType string           `json:"pageType"`
	Entries  []ExtractedEntry `json:"entries"`
}

// ExtractedEntry mirrors the extraction prompt's schema. Numeric fields are
// declared loose because the model sometimes quotes them.
type ExtractedEntry struct {
	Date                 string `json:"date"`
	AircraftRegistration string `json:"aircraftRegistration"`
	AircraftSerial       string `json:"aircraftSerial"`
	AircraftMake         string `json:"aircraftMake"`
	AircraftModel        string `json:"aircraftModel"`

	HobbsTime         any `json:"hobbsTime"`
	TachTime          any `json:"tachTime"`
	FlightTime        any `json:"flightTime"`
	TimeSinceOverhaul any `json:"timeSinceOverhaul"`

	ShopName            string `json:"shopName"`
	ShopAddress         string `json:"shopAddress"`
	ShopPhone           string `json:"shopPhone"`
	RepairStationNumber string `json:"repairStationNumber"`
	MechanicName        string `json:"mechanicName"`
	MechanicCertificate string `json:"mechanicCertificate"`
	WorkOrderNumber     string `json:"workOrderNumber"`

	MaintenanceNarrative string   `json:"maintenanceNarrative"`
	EntryType            string   `json:"entryType"`
	InspectionType       string   `json:"inspectionType"`
	FARReference         string   `json:"farReference"`
	Confidence           any      `json:"confidence"`
	NeedsReview          bool     `json:"needsReview"`
	MissingData          []string `json:"missingData"`
	ExtractionNotes      string   `json:"extractionNotes"`

	ADCompliance []ExtractedAD          `json:"adCompliance"`
	PartsActions []ExtractedPartsAction `json:"partsActions"`
}

// ExtractedAD is one airworthiness directive citation within an entry.
type ExtractedAD struct {
	ADNumber string `json:"adNumber"`
	Method   string `json:"method"`
	Notes    string `json:"notes"`
}

// ExtractedPartsAction is one part movement within an entry.
type ExtractedPartsAction struct {
	Action          string `json:"action"`
	PartName        string `json:"partName"`
	PartNumber      string `json:"partNumber"`
	SerialNumber    string `json:"serialNumber"`
	OldPartNumber   string `json:"oldPartNumber"`
	OldSerialNumber string `json:"oldSerialNumber"`
	Quantity        any    `json:"quantity"`
	Notes           string `json:"notes"`
}

// Older prompt revisions emitted inspection subtypes as top-level entry types.
var legacyInspectionMap = map[string]string{
	"annual":            "annual",
	"100hr":             "100hr",
	"progressive":       "progressive",
	"altimeter_check":   "altimeter_static",
	"transponder_check": "transponder",
}

var validEntryTypes = map[string]bool{
	"maintenance": true, "inspection": true, "ad_compliance": true, "other": true,
}

var validActionTypes = map[string]bool{
	"installed": true, "removed": true, "replaced": true,
	"repaired": true, "inspected": true, "overhauled": true,
}

var actionTypeMap = map[string]string{
	"reinstalled": "installed",
	"serviced":    "repaired",
	"applied":     "installed",
	"adjusted":    "repaired",
	"cleaned":     "repaired",
	"tested":      "inspected",
	"calibrated":  "inspected",
	"lubricated":  "repaired",
}

var validComplianceMethods = map[string]bool{
	"inspection": true, "replacement": true, "modification": true,
	"terminating_action": true, "recurring": true, "not_applicable": true, "other": true,
}

var validInspectionTypes = map[string]bool{
	"annual": true, "100hr": true, "50hr": true, "progressive": true,
	"altimeter_static": true, "transponder": true, "elt": true, "other": true,
}

// normalizeEntryType maps the model's free-form entry type onto the schema's
// vocabulary, promoting legacy inspection subtypes.
func normalizeEntryType(entry *ExtractedEntry) {
	if entry.EntryType == "" {
		entry.EntryType = "maintenance"
	}

	if mapped, ok := legacyInspectionMap[entry.EntryType]; ok {
		entry.InspectionType = mapped
		entry.EntryType = "inspection"
	} else if entry.EntryType == "inspection" && entry.InspectionType == "" {
		entry.InspectionType = "other"
	}

	if !validEntryTypes[entry.EntryType] {
		entry.EntryType = "other"
	}
}

// flagForReview forces the review flag when confidence is low or a critical
// field is missing, independent of the model's own judgement.
func flagForReview(entry *ExtractedEntry) {
	if conf := floatVal(entry.Confidence); conf != nil && *conf < confidenceThreshold {
		entry.NeedsReview = true
	}
	for _, field := range entry.MissingData {
		if field == "date" || field == "maintenanceNarrative" {
			entry.NeedsReview = true
		}
	}
}

// dateLayouts covers what the model emits for handwritten logbook dates.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
}

func parseEntryDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// saveEntry persists one normalized entry with its parts actions, AD
// compliance records, inspection record, and narrative embedding. Child
// record failures are logged and skipped; only the entry insert itself is
// load-bearing.
func (e *Extractor) saveEntry(ctx context.Context, aircraftID, pageID string, entry *ExtractedEntry) error {
	normalizeEntryType(entry)

	if entry.Date == "" {
		log.Printf("  Skipping entry with no date (narrative: %.80s)", entry.MaintenanceNarrative)
		return nil
	}
	entryDate, ok := parseEntryDate(entry.Date)
	if !ok {
		log.Printf("  Skipping entry with unparseable date %q", entry.Date)
		return nil
	}

	var missingData datatypes.JSON
	if len(entry.MissingData) > 0 {
		missingData, _ = json.Marshal(entry.MissingData)
	}

	record := models.MaintenanceEntry{
		AircraftID:          aircraftID,
		PageID:              pageID,
		EntryType:           models.EntryType(entry.EntryType),
		EntryDate:           entryDate,
		HobbsTime:           floatVal(entry.HobbsTime),
		TachTime:            floatVal(entry.TachTime),
		FlightTime:          floatVal(entry.FlightTime),
		TimeSinceOverhaul:   floatVal(entry.TimeSinceOverhaul),
		ShopName:            entry.ShopName,
		ShopAddress:         entry.ShopAddress,
		ShopPhone:           entry.ShopPhone,
		RepairStationNumber: entry.RepairStationNumber,
		MechanicName:        entry.MechanicName,
		MechanicCertificate: entry.MechanicCertificate,
		WorkOrderNumber:     entry.WorkOrderNumber,
		Narrative:           entry.MaintenanceNarrative,
		ConfidenceScore:     floatVal(entry.Confidence),
		NeedsReview:         entry.NeedsReview,
		MissingData:         missingData,
		ExtractionNotes:     entry.ExtractionNotes,
	}
	if err := e.store.CreateEntry(ctx, &record); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	for _, part := range entry.PartsActions {
		action := part.Action
		if !validActionTypes[action] {
			if mapped, ok := actionTypeMap[action]; ok {
				action = mapped
			} else {
				action = "installed"
			}
		}
		quantity := 1
		if q := floatVal(part.Quantity); q != nil && *q > 0 {
			quantity = int(*q)
		}
		if err := e.store.CreatePartsAction(ctx, &models.PartsAction{
			EntryID:         record.ID,
			ActionType:      action,
			PartName:        part.PartName,
			PartNumber:      part.PartNumber,
			SerialNumber:    part.SerialNumber,
			OldPartNumber:   part.OldPartNumber,
			OldSerialNumber: part.OldSerialNumber,
			Quantity:        quantity,
			Notes:           part.Notes,
		}); err != nil {
			log.Printf("⚠️  Insert parts action failed: %v", err)
		}
	}

	for _, ad := range entry.ADCompliance {
		method := ad.Method
		if method != "" && !validComplianceMethods[method] {
			method = "other"
		}
		if err := e.store.CreateADCompliance(ctx, &models.ADCompliance{
			EntryID:          record.ID,
			AircraftID:       aircraftID,
			ADNumber:         ad.ADNumber,
			ComplianceDate:   entryDate,
			ComplianceMethod: method,
			Notes:            ad.Notes,
		}); err != nil {
			log.Printf("⚠️  Insert AD compliance failed: %v", err)
		}
	}

	if entry.InspectionType != "" {
		inspectionType := entry.InspectionType
		if !validInspectionTypes[inspectionType] {
			inspectionType = "other"
		}
		if err := e.store.CreateInspectionRecord(ctx, &models.InspectionRecord{
			EntryID:              record.ID,
			AircraftID:           aircraftID,
			InspectionType:       inspectionType,
			InspectionDate:       entryDate,
			AircraftHours:        floatVal(entry.FlightTime),
			FARReference:         entry.FARReference,
			InspectorName:        entry.MechanicName,
			InspectorCertificate: entry.MechanicCertificate,
		}); err != nil {
			log.Printf("⚠️  Insert inspection record failed: %v", err)
		}
	}

	// Search quality degrades gracefully without a vector, so embedding
	// failures never fail the entry
	if len(entry.MaintenanceNarrative) > minNarrativeLength {
		if err := e.embedNarrative(ctx, record.ID, entry.MaintenanceNarrative); err != nil {
			log.Printf("⚠️  Embedding failed for entry %s: %v", record.ID, err)
		}
	}

	return nil
}

func (e *Extractor) embedNarrative(ctx context.Context, entryID, narrative string) error {
	vector, err := e.ai.EmbedText(ctx, narrative)
	if err != nil {
		return err
	}
	if len(vector) != models.EmbeddingDim {
		return fmt.Errorf("unexpected embedding dimension %d", len(vector))
	}
	return e.store.UpsertEmbedding(ctx, entryID, "narrative", narrative, vector)
}

// checkAircraftIdentity compares the identity the model read off the page
// against the registered aircraft and flags a mismatch for review. Serial
// numbers compare exactly after normalization; make and model compare
// fuzzily because logbooks abbreviate both.
func checkAircraftIdentity(entry *ExtractedEntry, aircraft *models.Aircraft) {
	if aircraft.SerialNumber == "" || entry.AircraftSerial == "" {
		return
	}

	serialMatch := normalizeIdentity(entry.AircraftSerial) == normalizeIdentity(aircraft.SerialNumber)

	makeMatch := true
	modelMatch := true
	if entry.AircraftMake != "" && aircraft.Make != "" {
		makeMatch = fuzzyMatch(entry.AircraftMake, aircraft.Make)
	}
	if entry.AircraftModel != "" && aircraft.Model != "" {
		modelMatch = fuzzyMatch(entry.AircraftModel, aircraft.Model)
	}

	if !serialMatch || (!makeMatch && !modelMatch) {
		var reasons []string
		if !serialMatch {
			reasons = append(reasons, fmt.Sprintf("serial %q != %q", entry.AircraftSerial, aircraft.SerialNumber))
		}
		if !makeMatch {
			reasons = append(reasons, fmt.Sprintf("make %q !~ %q", entry.AircraftMake, aircraft.Make))
		}
		if !modelMatch {
			reasons = append(reasons, fmt.Sprintf("model %q !~ %q", entry.AircraftModel, aircraft.Model))
		}

		entry.NeedsReview = true
		note := "Aircraft identity mismatch: " + strings.Join(reasons, ", ")
		entry.ExtractionNotes += note
		entry.MissingData = append(entry.MissingData, "aircraft_identity_mismatch")
		log.Printf("⚠️  %s", note)
	}
}

func normalizeIdentity(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

func fuzzyMatch(extracted, expected string) bool {
	a := normalizeIdentity(extracted)
	b := normalizeIdentity(expected)
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// floatVal coerces the model's loosely typed numbers into a nullable float.
func floatVal(v any) *float64 {
	switch val := v.(type) {
	case float64:
		return &val
	case int:
		f := float64(val)
		return &f
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return &f
		}
	}
	return nil
}
