package hub

import "encoding/xml"

// Namespace of the results hub service.
const Namespace = "http://medplus.com/results"

type GetResults struct {
	XMLName        xml.Name       `xml:"http://medplus.com/results getResults"`
	ResultsRequest ResultsRequest `xml:"resultsRequest"`
}

type ResultsRequest struct {
	MaxMessages        int    `xml:"maxMessages"`
	StartDate          string `xml:"startDate,omitempty"`
	EndDate            string `xml:"endDate,omitempty"`
	RetrieveFinalsOnly bool   `xml:"retrieveFinalsOnly"`
}

type GetResultsResponse struct {
	XMLName xml.Name        `xml:"http://medplus.com/results getResultsResponse"`
	Result  ResultsResponse `xml:"result"`
}

type ResultsResponse struct {
	RequestID          string              `xml:"requestId"`
	IsMore             bool                `xml:"isMore"`
	ObservationResults []ObservationResult `xml:"observationResults"`
}

// ObservationResult carries one HL7 result. HL7Message is base64 encoded on
// the wire; some test endpoints send it as plain text.
type ObservationResult struct {
	ResultID   string `xml:"resultId"`
	HL7Message string `xml:"HL7Message"`
}

type AcknowledgeResults struct {
	XMLName             xml.Name             `xml:"http://medplus.com/results acknowledgeResults"`
	RequestID           string               `xml:"requestId"`
	AcknowledgedResults []AcknowledgedResult `xml:"acknowledgedResults"`
}

type AcknowledgedResult struct {
	ResultID        string `xml:"resultId"`
	AckCode         string `xml:"ackCode"`
	RejectionReason string `xml:"rejectionReason,omitempty"`
}

type AcknowledgeResultsResponse struct {
	XMLName xml.Name `xml:"http://medplus.com/results acknowledgeResultsResponse"`
}
