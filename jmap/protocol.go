package jmap

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Capability URNs used in the "using" list.
const (
	CapCore = "urn:ietf:params:jmap:core"
	CapMail = "urn:ietf:params:jmap:mail"
)

// Session is the JMAP session resource (RFC 8620 section 2).
type Session struct {
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	Accounts        map[string]Account         `json:"accounts"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Username        string                     `json:"username"`
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	UploadURL       string                     `json:"uploadUrl"`
	EventSourceURL  string                     `json:"eventSourceUrl"`
	State           string                     `json:"state"`
}

type Account struct {
	Name       string `json:"name"`
	IsPersonal bool   `json:"isPersonal"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// MailAccountID is the primary account for mail.
func (s *Session) MailAccountID() string {
	return s.PrimaryAccounts[CapMail]
}

// Invocation is one method call or response: [name, arguments, call id].
type Invocation struct {
	Name   string
	Args   any
	CallID string
}

func (i Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{i.Name, i.Args, i.CallID})
}

func (i *Invocation) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("invocation has %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &i.Name); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &i.CallID); err != nil {
		return err
	}
	i.Args = raw[1]
	return nil
}

// Request is the body POSTed to the API URL.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Response holds method responses in call order. Args are json.RawMessage.
type Response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// ResultReference points an argument at a previous call's result.
type ResultReference struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// MethodError is the "error" response of a method call.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

// SetError is a per-object failure of a /set call.
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Mailbox is the JMAP Mailbox object.
type Mailbox struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ParentID     string       `json:"parentId,omitempty"`
	Role         string       `json:"role,omitempty"`
	SortOrder    int          `json:"sortOrder"`
	TotalEmails  int          `json:"totalEmails"`
	UnreadEmails int          `json:"unreadEmails"`
	IsSubscribed bool         `json:"isSubscribed"`
	MyRights     MailboxRight `json:"myRights"`
}

type MailboxRight struct {
	MayReadItems   bool `json:"mayReadItems"`
	MayAddItems    bool `json:"mayAddItems"`
	MayRemoveItems bool `json:"mayRemoveItems"`
	MaySetKeywords bool `json:"maySetKeywords"`
}

// EmailAddress is a name and address pair.
type EmailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Email carries the properties requested by emailProperties.
type Email struct {
	ID            string          `json:"id"`
	BlobID        string          `json:"blobId"`
	ThreadID      string          `json:"threadId"`
	MailboxIDs    map[string]bool `json:"mailboxIds"`
	Keywords      map[string]bool `json:"keywords"`
	Size          uint64          `json:"size"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	MessageID     []string        `json:"messageId"`
	InReplyTo     []string        `json:"inReplyTo"`
	References    []string        `json:"references"`
	Sender        []EmailAddress  `json:"sender"`
	From          []EmailAddress  `json:"from"`
	To            []EmailAddress  `json:"to"`
	Cc            []EmailAddress  `json:"cc"`
	Bcc           []EmailAddress  `json:"bcc"`
	ReplyTo       []EmailAddress  `json:"replyTo"`
	Subject       string          `json:"subject"`
	SentAt        *time.Time      `json:"sentAt"`
	HasAttachment bool            `json:"hasAttachment"`
	Preview       string          `json:"preview"`
}

var emailProperties = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords", "size",
	"receivedAt", "messageId", "inReplyTo", "references", "sender", "from",
	"to", "cc", "bcc", "replyTo", "subject", "sentAt", "hasAttachment",
}

var mailboxProperties = []string{
	"id", "name", "parentId", "role", "sortOrder", "totalEmails",
	"unreadEmails", "isSubscribed", "myRights",
}

// Comparator sorts query results.
type Comparator struct {
	Property    string `json:"property"`
	IsAscending bool   `json:"isAscending"`
}

// FilterCondition is an Email/query filter leaf.
type FilterCondition struct {
	InMailbox  string     `json:"inMailbox,omitempty"`
	Before     *time.Time `json:"before,omitempty"`
	After      *time.Time `json:"after,omitempty"`
	HasKeyword string     `json:"hasKeyword,omitempty"`
	NotKeyword string     `json:"notKeyword,omitempty"`
	Text       string     `json:"text,omitempty"`
	From       string     `json:"from,omitempty"`
	To         string     `json:"to,omitempty"`
	Cc         string     `json:"cc,omitempty"`
	Bcc        string     `json:"bcc,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body,omitempty"`
	Header     []string   `json:"header,omitempty"`
}

// FilterOperator combines filters with AND, OR or NOT.
type FilterOperator struct {
	Operator   string `json:"operator"`
	Conditions []any  `json:"conditions"`
}

// Arguments and results of the methods this package calls.

type getArgs struct {
	AccountID  string   `json:"accountId"`
	IDs        []string `json:"ids,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// getRefArgs is getArgs with ids taken from a previous call.
type getRefArgs struct {
	AccountID  string          `json:"accountId"`
	IDsRef     ResultReference `json:"#ids"`
	Properties []string        `json:"properties,omitempty"`
}

type mailboxGetResponse struct {
	State    string    `json:"state"`
	List     []Mailbox `json:"list"`
	NotFound []string  `json:"notFound"`
}

type emailGetResponse struct {
	State    string   `json:"state"`
	List     []Email  `json:"list"`
	NotFound []string `json:"notFound"`
}

type queryArgs struct {
	AccountID       string       `json:"accountId"`
	Filter          any          `json:"filter,omitempty"`
	Sort            []Comparator `json:"sort,omitempty"`
	Position        int          `json:"position"`
	Limit           int          `json:"limit,omitempty"`
	CollapseThreads bool         `json:"collapseThreads"`
	CalculateTotal  bool         `json:"calculateTotal"`
}

type queryResponse struct {
	QueryState string   `json:"queryState"`
	IDs        []string `json:"ids"`
	Position   int      `json:"position"`
	Total      int      `json:"total"`
}

type changesArgs struct {
	AccountID  string `json:"accountId"`
	SinceState string `json:"sinceState"`
	MaxChanges int    `json:"maxChanges,omitempty"`
}

type changesResponse struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

type setArgs struct {
	AccountID string                    `json:"accountId"`
	Create    map[string]any            `json:"create,omitempty"`
	Update    map[string]map[string]any `json:"update,omitempty"`
	Destroy   []string                  `json:"destroy,omitempty"`

	OnDestroyRemoveEmails bool `json:"onDestroyRemoveEmails,omitempty"`
}

type setResponse struct {
	NewState     string                     `json:"newState"`
	Created      map[string]json.RawMessage `json:"created"`
	Updated      map[string]json.RawMessage `json:"updated"`
	Destroyed    []string                   `json:"destroyed"`
	NotCreated   map[string]SetError        `json:"notCreated"`
	NotUpdated   map[string]SetError        `json:"notUpdated"`
	NotDestroyed map[string]SetError        `json:"notDestroyed"`
}

// err folds the per-object failures into one error.
func (r *setResponse) err() error {
	for _, m := range []map[string]SetError{r.NotCreated, r.NotUpdated, r.NotDestroyed} {
		for id, e := range m {
			return fmt.Errorf("%s: %s %s", id, e.Type, e.Description)
		}
	}
	return nil
}

type importEmail struct {
	BlobID     string          `json:"blobId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	ReceivedAt *time.Time      `json:"receivedAt,omitempty"`
}

type importArgs struct {
	AccountID string                 `json:"accountId"`
	Emails    map[string]importEmail `json:"emails"`
}

type importResponse struct {
	NewState   string              `json:"newState"`
	Created    map[string]Email    `json:"created"`
	NotCreated map[string]SetError `json:"notCreated"`
}

type uploadResponse struct {
	AccountID string `json:"accountId"`
	BlobID    string `json:"blobId"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
}

// decodeArgs decodes the raw arguments of a response.
func decodeArgs(inv Invocation, v any) error {
	raw, ok := inv.Args.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(inv.Args)
		if err != nil {
			return err
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(v)
}
