package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// testPatient is one canned registry entry served by the patient handlers.
type testPatient struct {
	DFN    string
	Name   string
	Gender string
	DOB    string
	SSN    string
	Age    int
}

var testPatients = []testPatient{
	{DFN: "100022", Name: "CARTER,DAVID", Gender: "M", DOB: "2450305", SSN: "666000022", Age: 80},
	{DFN: "100023", Name: "HARRIS,MARGARET", Gender: "F", DOB: "2551120", SSN: "666000023", Age: 69},
	{DFN: "100024", Name: "MITCHELL,JAMES", Gender: "M", DOB: "2620717", SSN: "666000024", Age: 63},
	{DFN: "100025", Name: "SANCHEZ,MARIA", Gender: "F", DOB: "2700402", SSN: "666000025", Age: 55},
}

// RegisterDefaults installs the built-in procedure catalog.
func (d *Dispatcher) RegisterDefaults() {
	// System operations
	d.Register("XWB IM HERE", handleHeartbeat)
	d.Register("ORWU DT", handleServerTime)
	d.Register("XUS INTRO MSG", handleIntroMessage)
	d.Register("ORWU USERINFO", handleUserInfo)
	d.Register("ORWU VERSRV", handleServerVersion)
	d.Register("XUS GET USER INFO", handleUserInfoDetailed)

	// Patient operations
	d.Register("ORWPT LIST", handlePatientList)
	d.Register("ORWPT ID INFO", handlePatientIDInfo)
	d.Register("ORWPT16 ID INFO", handlePatientIDInfo)

	// Restricted data-dictionary operations
	d.Register("DDR LISTER", handleDictionaryLister)
}

func handleHeartbeat([]Parameter) (interface{}, error) {
	return "1", nil
}

// handleServerTime returns the server clock in FileMan form: YYYMMDD.HHMMSS
// with the year offset from 1700. The TODAY argument drops the time part.
func handleServerTime(params []Parameter) (interface{}, error) {
	format := "NOW"
	if len(params) > 0 {
		if s := params[0].StringValue(); s != "" {
			format = strings.ToUpper(s)
		}
	}

	now := time.Now()
	date := fmt.Sprintf("%03d%02d%02d", now.Year()-1700, int(now.Month()), now.Day())
	if format == "TODAY" {
		return date, nil
	}
	return fmt.Sprintf("%s.%02d%02d%02d", date, now.Hour(), now.Minute(), now.Second()), nil
}

func handleIntroMessage([]Parameter) (interface{}, error) {
	return "VISTA MOCK SYSTEM\n" +
		"Site: WASHINGTON DC VAMC (500)\n" +
		"\n" +
		"This is a mock implementation for development and testing.\n" +
		"DO NOT use for actual patient care.", nil
}

func handleUserInfo(params []Parameter) (interface{}, error) {
	duz := "10000000219"
	if len(params) > 0 {
		if s := params[0].StringValue(); s != "" {
			duz = s
		}
	}
	return fmt.Sprintf("%s^PROVIDER,TEST^TEST PROVIDER^PHYSICIAN^MEDICINE^202-555-1234", duz), nil
}

func handleServerVersion([]Parameter) (interface{}, error) {
	return "OR*3.0*999^1.0^VISTA MOCK SERVER", nil
}

func handleUserInfoDetailed([]Parameter) (interface{}, error) {
	return "10000000219^PROVIDER,TEST^PHYSICIAN^MEDICINE^202-555-1234^ROOM 123^3250101", nil
}

// handlePatientList searches the canned registry by name prefix and returns
// caret-delimited rows: DFN^NAME^GENDER^DOB^SSN^SENSITIVE.
func handlePatientList(params []Parameter) (interface{}, error) {
	prefix := ""
	if len(params) > 0 {
		prefix = strings.TrimPrefix(params[0].StringValue(), "^")
	}
	prefix = strings.ToUpper(prefix)

	var lines []string
	for _, p := range testPatients {
		if prefix != "" && !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s^%s^%s^%s^%s^NO", p.DFN, p.Name, p.Gender, p.DOB, p.SSN))
	}
	return strings.Join(lines, "\r\n"), nil
}

// handlePatientIDInfo returns demographics for one DFN, or "" when unknown.
func handlePatientIDInfo(params []Parameter) (interface{}, error) {
	dfn := ""
	if len(params) > 0 {
		dfn = params[0].StringValue()
	}
	for _, p := range testPatients {
		if p.DFN == dfn {
			return fmt.Sprintf("%s^%s^%s^%s^%d^%s^^^NO^", p.DFN, p.Name, p.SSN, p.DOB, p.Age, p.Gender), nil
		}
	}
	return "", nil
}

// handleDictionaryLister serves canned data-dictionary definitions for the
// common files.
func handleDictionaryLister(params []Parameter) (interface{}, error) {
	fileNumber := ""
	if len(params) > 0 {
		fileNumber = params[0].StringValue()
	}

	switch fileNumber {
	case "2":
		return "FILE #2^PATIENT^1^200000\n" +
			".01^NAME^FREE TEXT^30^R\n" +
			".02^SEX^SET^1^R\n" +
			".03^DATE OF BIRTH^DATE^8^R\n" +
			".09^SOCIAL SECURITY NUMBER^FREE TEXT^9^", nil
	case "200":
		return "FILE #200^NEW PERSON^1^50000\n" +
			".01^NAME^FREE TEXT^30^R\n" +
			"8^TITLE^FREE TEXT^30^\n" +
			"29^SERVICE/SECTION^POINTER^49^", nil
	case "44":
		return "FILE #44^HOSPITAL LOCATION^1^10000\n" +
			".01^NAME^FREE TEXT^30^R\n" +
			"2^ABBREVIATION^FREE TEXT^6^\n" +
			"3^TYPE^SET^1^R", nil
	default:
		return fmt.Sprintf("FILE #%s^UNKNOWN FILE^0^0", fileNumber), nil
	}
}
