// Package order builds outbound ORM^O01 (HL7 2.3.1) lab orders. Build is a
// pure function of its inputs; sending the text is up to the caller.
package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/platform/hl7v2"
)

const (
	MessageType = "ORM^O01"
	HL7Version  = "2.3.1"
	// MaxNotes is the number of NTE lines accepted per order.
	MaxNotes = 5
)

var ErrInvalidOrder = errors.New("order: invalid order")

// Bill types. Only third-party billing sends IN1 segments.
const (
	BillThirdParty = "third-party"
	BillClient     = "client"
	BillPatient    = "patient"
)

type Provider struct {
	NPI    string `json:"npi"`
	Family string `json:"family"`
	Given  string `json:"given"`
}

type Item struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type Order struct {
	// Processor supplies routing and the production flag.
	Processor    processor.Config `json:"-"`
	ControlID    string           `json:"control_id"`
	PlacerNumber string           `json:"placer_number"`
	CreatedAt    time.Time        `json:"created_at"`
	CollectedAt  time.Time        `json:"collected_at"`
	Provider     Provider         `json:"provider"`
	BillType     string           `json:"bill_type"`
	Notes        []string         `json:"notes,omitempty"`
	Items        []Item           `json:"items"`
}

type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

type Patient struct {
	ID                string    `json:"id"`
	Family            string    `json:"family"`
	Given             string    `json:"given"`
	Middle            string    `json:"middle,omitempty"`
	BirthDate         time.Time `json:"birth_date"`
	Sex               string    `json:"sex"`
	Address           Address   `json:"address"`
	Phone             string    `json:"phone,omitempty"`
	SexualOrientation string    `json:"sexual_orientation,omitempty"`
	GenderIdentity    string    `json:"gender_identity,omitempty"`
}

type Policy struct {
	CompanyID        string  `json:"company_id"`
	CompanyName      string  `json:"company_name"`
	CompanyAddress   Address `json:"company_address"`
	GroupNumber      string  `json:"group_number,omitempty"`
	PolicyNumber     string  `json:"policy_number"`
	SubscriberFamily string  `json:"subscriber_family"`
	SubscriberGiven  string  `json:"subscriber_given"`
	Relationship     string  `json:"relationship"`
}

type Guarantor struct {
	Family       string  `json:"family"`
	Given        string  `json:"given"`
	Address      Address `json:"address"`
	Phone        string  `json:"phone,omitempty"`
	Relationship string  `json:"relationship"`
}

type Insurance struct {
	Policies  []Policy   `json:"policies"`
	Guarantor *Guarantor `json:"guarantor,omitempty"`
}

type Diagnosis struct {
	Code   string `json:"code"`
	Text   string `json:"text"`
	System string `json:"system,omitempty"` // defaults to I10
}

// AOEAnswer answers an ask-at-order-entry question for one item.
type AOEAnswer struct {
	ItemCode     string `json:"item_code"`
	QuestionCode string `json:"question_code"`
	Question     string `json:"question"`
	Answer       string `json:"answer"`
}

// Request is an order submission as received by the API and the CLI.
type Request struct {
	Processor string      `json:"processor"`
	Order     Order       `json:"order"`
	Patient   Patient     `json:"patient"`
	Insurance Insurance   `json:"insurance"`
	Diagnoses []Diagnosis `json:"diagnoses"`
	AOE       []AOEAnswer `json:"aoe"`
}

// Prepare routes the request through cfg and fills a missing control id
// and creation time.
func (r *Request) Prepare(cfg processor.Config, now time.Time) {
	r.Order.Processor = cfg
	if r.Order.ControlID == "" {
		r.Order.ControlID = NewControlID()
	}
	if r.Order.CreatedAt.IsZero() {
		r.Order.CreatedAt = now
	}
}

func (r *Request) Build() (string, error) {
	return Build(r.Order, r.Patient, r.Insurance, r.Diagnoses, r.AOE)
}

// NewControlID returns a 20 character message control id.
func NewControlID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, fmt.Sprintf(format, args...))
}

func (o *Order) validate(p *Patient) error {
	switch {
	case o.ControlID == "":
		return invalid("control id is required")
	case o.PlacerNumber == "":
		return invalid("placer number is required")
	case len(o.Items) == 0:
		return invalid("at least one item is required")
	case len(o.Notes) > MaxNotes:
		return invalid("%d notes given, at most %d allowed", len(o.Notes), MaxNotes)
	case p.ID == "" || p.Family == "":
		return invalid("patient id and family name are required")
	}
	for i, it := range o.Items {
		if it.Code == "" {
			return invalid("item %d has no code", i+1)
		}
	}
	return nil
}

// ProcessingID is P for production processors and T otherwise.
func ProcessingID(cfg *processor.Config) string {
	if cfg.IsProduction() {
		return "P"
	}
	return "T"
}

// Build renders the order as HL7 text with \r segment separators.
func Build(o Order, p Patient, ins Insurance, dx []Diagnosis, aoe []AOEAnswer) (string, error) {
	if err := o.validate(&p); err != nil {
		return "", err
	}
	cfg := &o.Processor

	segs := []string{
		hl7v2.BuildMSH(hl7v2.Header{
			SendingApp:   cfg.SendingApp,
			SendingFac:   cfg.SendingFacility,
			ReceivingApp: cfg.ReceivingApp,
			ReceivingFac: cfg.ReceivingFacility,
			Timestamp:    o.CreatedAt,
			MessageType:  MessageType,
			ControlID:    o.ControlID,
			ProcessingID: ProcessingID(cfg),
			Version:      HL7Version,
		}),
		pid(&p),
	}
	for i, n := range o.Notes {
		segs = append(segs, hl7v2.BuildSegment("NTE", strconv.Itoa(i+1), "", hl7v2.Escape(n)))
	}

	if o.BillType == "" || o.BillType == BillThirdParty {
		for i := range ins.Policies {
			segs = append(segs, in1(i+1, &ins.Policies[i]))
		}
	}
	if ins.Guarantor != nil {
		segs = append(segs, gt1(ins.Guarantor))
	}

	provider := hl7v2.Components(o.Provider.NPI, o.Provider.Family, o.Provider.Given)
	orientation := SexualOrientation(p.SexualOrientation)
	identity := GenderIdentity(p.GenderIdentity)

	for i, item := range o.Items {
		segs = append(segs, orc(&o, provider), obr(i+1, &o, item, provider))
		for j, d := range dx {
			system := d.System
			if system == "" {
				system = "I10"
			}
			segs = append(segs, hl7v2.BuildSegment("DG1", strconv.Itoa(j+1), system,
				hl7v2.Components(d.Code, d.Text, system)))
		}

		setID := 0
		for _, a := range aoe {
			if a.ItemCode != item.Code {
				continue
			}
			setID++
			segs = append(segs, hl7v2.BuildSegment("OBX", strconv.Itoa(setID), "ST",
				hl7v2.Components(a.QuestionCode, a.Question, "LN"), "", hl7v2.Escape(a.Answer)))
		}
		setID++
		segs = append(segs, hl7v2.BuildSegment("OBX", strconv.Itoa(setID), "CWE",
			hl7v2.Components(LOINCSexualOrientation, "Sexual orientation", "LN"), "", orientation.Components()))
		setID++
		segs = append(segs, hl7v2.BuildSegment("OBX", strconv.Itoa(setID), "CWE",
			hl7v2.Components(LOINCGenderIdentity, "Gender identity", "LN"), "", identity.Components()))
	}
	return hl7v2.Join(segs) + hl7v2.SegmentSeparator, nil
}

func address(a Address) string {
	return hl7v2.Components(a.Street, "", a.City, a.State, a.Zip)
}

func pid(p *Patient) string {
	return hl7v2.BuildSegment("PID", "1", hl7v2.Escape(p.ID), hl7v2.Escape(p.ID), "",
		hl7v2.Components(p.Family, p.Given, p.Middle), "",
		hl7v2.FormatDate(p.BirthDate), hl7v2.Escape(p.Sex), "", "",
		address(p.Address), "", hl7v2.Escape(p.Phone))
}

func in1(setID int, pol *Policy) string {
	fields := make([]string, 36)
	fields[0] = strconv.Itoa(setID)
	fields[2] = hl7v2.Escape(pol.CompanyID)
	fields[3] = hl7v2.Escape(pol.CompanyName)
	fields[4] = address(pol.CompanyAddress)
	fields[7] = hl7v2.Escape(pol.GroupNumber)
	fields[15] = hl7v2.Components(pol.SubscriberFamily, pol.SubscriberGiven)
	fields[16] = hl7v2.Escape(pol.Relationship)
	fields[35] = hl7v2.Escape(pol.PolicyNumber)
	return hl7v2.BuildSegment("IN1", fields...)
}

func gt1(g *Guarantor) string {
	return hl7v2.BuildSegment("GT1", "1", "", hl7v2.Components(g.Family, g.Given), "",
		address(g.Address), hl7v2.Escape(g.Phone), "", "", "", "", hl7v2.Escape(g.Relationship))
}

func orc(o *Order, provider string) string {
	fields := make([]string, 12)
	fields[0] = "NW"
	fields[1] = hl7v2.Escape(o.PlacerNumber)
	fields[8] = hl7v2.FormatTimestamp(o.CreatedAt)
	fields[11] = provider
	return hl7v2.BuildSegment("ORC", fields...)
}

func obr(setID int, o *Order, item Item, provider string) string {
	fields := make([]string, 16)
	fields[0] = strconv.Itoa(setID)
	fields[1] = hl7v2.Escape(o.PlacerNumber)
	fields[3] = hl7v2.Components(item.Code, item.Text, "L")
	fields[6] = hl7v2.FormatTimestamp(o.CollectedAt)
	fields[15] = provider
	return hl7v2.BuildSegment("OBR", fields...)
}
