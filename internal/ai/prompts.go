package ai

import (
	"fmt"
	"strings"
)

// PageExtractionPrompt is sent to Gemini with each page image. It demands
// verbatim transcription, no summarizing or grammar correction.
const PageExtractionPrompt = `You are an expert data entry specialist. Analyze this aircraft logbook page image and transcribe every maintenance entry VERBATIM.

INSTRUCTIONS:
1. First identify the page type (maintenance entries, inspection form, parts list, cover page, blank page)
2. If this is a cover page or blank page, return: {"pageType": "cover", "entries": []}
3. For content pages, identify each separate log entry on the page and extract all visible data

VERBATIM TRANSCRIPTION RULES — FOLLOW THESE EXACTLY:
- Do NOT summarize, shorten, paraphrase, or correct grammar
- Preserve abbreviations EXACTLY as written: "w/o", "R/R", "c/w", "IAW", "P/N", "S/N", "O/H", etc.
- If the text has a typo or misspelling, transcribe the typo exactly as written
- Numbers, part numbers, serial numbers: copy character-for-character
- If text wraps across multiple lines, join into one continuous narrative preserving every word

WHAT TO EXTRACT PER ENTRY:
- Entry date (convert to ISO format YYYY-MM-DD)
- Aircraft identification (registration/N-number, serial number, make, model)
- Time readings at completion (hobbs, tach, flight time, TSMOH for engine entries)
- Shop/facility information (name, address, phone, CRS/repair station number)
- Mechanic/technician (name, A&P number, IA number if applicable)
- Work order number
- Complete maintenance narrative (VERBATIM — every single word)
- AD compliance noted (AD numbers and compliance method)
- Parts actions (installed, removed, replaced, repaired) with P/N, S/N, quantity
- Any inspection signoffs (annual, 100hr, etc.)

ENTRY TYPE CLASSIFICATION RULES:
- "inspection" = any inspection event (annual, 100-hour, progressive, altimeter/static, transponder, ELT check). Always set inspectionType to the specific subtype.
- "ad_compliance" = work performed specifically to comply with an Airworthiness Directive
- "maintenance" = routine maintenance, repairs, oil changes, component replacements, STC installations
- "other" = anything that does not fit the above categories

IMPORTANT GUIDELINES:
- If a value is unclear, include your best guess with [?] marker
- If a field is completely illegible, use null and list it in missingData
- Confidence should reflect how certain you are of the extraction accuracy
- Flag for review if confidence < 0.85 OR critical data is missing
- DO NOT invent or fill in data that is not visible on the page

Return JSON format:
{
  "pageType": "maintenance_entry" | "inspection_form" | "parts_list" | "cover" | "blank" | "other",
  "entries": [
    {
      "date": "YYYY-MM-DD",
      "aircraftRegistration": "N-number",
      "aircraftSerial": "serial number",
      "aircraftMake": "make",
      "aircraftModel": "model",
      "hobbsTime": null,
      "tachTime": null,
      "flightTime": null,
      "timeSinceOverhaul": null,
      "shopName": "shop name",
      "shopAddress": "full address if visible",
      "shopPhone": "phone if visible",
      "repairStationNumber": "CRS number if visible",
      "mechanicName": "name",
      "mechanicCertificate": "A&P or IA number",
      "workOrderNumber": "work order #",
      "maintenanceNarrative": "COMPLETE VERBATIM transcription of ALL text in the work performed section",
      "entryType": "maintenance" | "inspection" | "ad_compliance" | "other",
      "adCompliance": [
        {"adNumber": "AD number", "method": "inspection|replacement|modification|terminating_action", "notes": ""}
      ],
      "partsActions": [
        {
          "action": "installed" | "removed" | "replaced" | "repaired" | "inspected" | "overhauled",
          "partName": "description",
          "partNumber": "P/N",
          "serialNumber": "S/N or null",
          "oldPartNumber": "P/N of removed part",
          "oldSerialNumber": "S/N of removed part",
          "quantity": 1
        }
      ],
      "inspectionType": "annual" | "100hr" | "50hr" | "progressive" | "altimeter_static" | "transponder" | "elt" | null,
      "farReference": "FAR reference if mentioned",
      "confidence": 0.0,
      "missingData": [],
      "needsReview": false,
      "extractionNotes": ""
    }
  ]
}`

// AnswerPrompt builds the grounded-answer prompt for the retrieval engine.
// The model must answer strictly from the supplied records.
func AnswerPrompt(registration, recordsContext, question string) string {
	return fmt.Sprintf(`You are an aircraft maintenance expert assistant. Answer the question based ONLY on the maintenance records provided below.

Aircraft: %s

MAINTENANCE RECORDS:
%s

QUESTION: %s

Provide a clear, accurate answer. Cite specific dates and entries. If the records don't contain enough information, say so.`,
		registration, recordsContext, question)
}

// CleanMarkdownFences strips the ```json fences Gemini sometimes wraps a JSON
// response in, leaving the payload ready for parsing.
func CleanMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = s[7:]
	} else if strings.HasPrefix(s, "```") {
		s = s[3:]
	}
	if strings.HasSuffix(s, "```") {
		s = s[:len(s)-3]
	}
	return strings.TrimSpace(s)
}
