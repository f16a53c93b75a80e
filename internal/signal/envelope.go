package signal

// Wire shapes of signal-cli "receive" notifications. Fields we do not
// consume are simply omitted; unexpected shapes decode to zero values.

type notification struct {
	Account  string   `json:"account"`
	Envelope envelope `json:"envelope"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber"`
	SourceUUID   string       `json:"sourceUuid"`
	SourceName   string       `json:"sourceName"`
	Timestamp    int64        `json:"timestamp"`
	DataMessage  *dataMessage `json:"dataMessage"`
	SyncMessage  *syncMessage `json:"syncMessage"`
}

// syncMessage wraps an echo of a message this account sent from another
// linked device.
type syncMessage struct {
	SentMessage *sentMessage `json:"sentMessage"`
}

type dataMessage struct {
	Timestamp   int64        `json:"timestamp"`
	Message     string       `json:"message"`
	GroupInfo   *groupInfo   `json:"groupInfo"`
	Mentions    []mention    `json:"mentions"`
	Quote       *quote       `json:"quote"`
	Reaction    *reaction    `json:"reaction"`
	Attachments []attachment `json:"attachments"`
}

type sentMessage struct {
	dataMessage
	Destination       string `json:"destination"`
	DestinationNumber string `json:"destinationNumber"`
	DestinationUUID   string `json:"destinationUuid"`
}

type groupInfo struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

type mention struct {
	Start  int    `json:"start"`
	Length int    `json:"length"`
	Name   string `json:"name"`
	Number string `json:"number"`
	UUID   string `json:"uuid"`
}

type quote struct {
	ID           int64  `json:"id"`
	Author       string `json:"author"`
	AuthorNumber string `json:"authorNumber"`
	Text         string `json:"text"`
}

type reaction struct {
	Emoji               string `json:"emoji"`
	TargetAuthor        string `json:"targetAuthor"`
	TargetAuthorNumber  string `json:"targetAuthorNumber"`
	TargetSentTimestamp int64  `json:"targetSentTimestamp"`
	IsRemove            bool   `json:"isRemove"`
}

type attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}
