package grpcconn

import "gopkg.in/mgo.v2/bson"

// Request/response shapes of the peer command service
// (/replset.v1.Peer/...), carried over the JSON codec.

type emptyRequest struct{}

type isMasterResponse struct {
	Doc bson.M `json:"doc"`
}

type commandRequest struct {
	DB  string `json:"db"`
	Cmd bson.M `json:"cmd"`
}

type commandResponse struct {
	Reply bson.M `json:"reply"`
}

type authRequest struct {
	DB       string `json:"db"`
	User     string `json:"user"`
	Password string `json:"password"`
	Digest   bool   `json:"digest"`
}

type writeRequest struct {
	NS       string   `json:"ns"`
	Docs     []bson.M `json:"docs,omitempty"`
	Selector bson.M   `json:"selector,omitempty"`
	Update   bson.M   `json:"update,omitempty"`
	Flags    int      `json:"flags,omitempty"`
	Upsert   bool     `json:"upsert,omitempty"`
	Multi    bool     `json:"multi,omitempty"`
	JustOne  bool     `json:"justOne,omitempty"`
}

type writeResponse struct{}

type queryRequest struct {
	NS        string `json:"ns"`
	Filter    bson.M `json:"filter,omitempty"`
	Fields    bson.M `json:"fields,omitempty"`
	NToReturn int    `json:"nToReturn,omitempty"`
	NToSkip   int    `json:"nToSkip,omitempty"`
	Flags     int    `json:"flags,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

type queryResponse struct {
	Docs      []bson.M `json:"docs"`
	NReturned int      `json:"nReturned"`
	CursorID  int64    `json:"cursorId,omitempty"`
}
