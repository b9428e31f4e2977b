package httpapi

import (
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// These IDE-facing masquerade endpoints exist only to pass a
// third-party desktop IDE's runtime checks; their contract is to
// return a canned-but-internally-consistent payload (spec §4.3/§6),
// specified bit-for-bit here.

// buildFetchAvailableModels patches a quota-exempt catalogue entry for
// every model name into a canned JSON template with sjson, rather than
// through a Go struct: the map key is a dynamic "models/<id>" path
// segment per model, which a fixed struct shape can't express.
func buildFetchAvailableModels(modelIDs []string) ([]byte, error) {
	raw := []byte(`{"models":{}}`)
	var err error
	for _, id := range modelIDs {
		base := "models." + sjsonEscapeKey("models/"+id) + ".quotaInfo"
		raw, err = sjson.SetBytes(raw, base+".remainingFraction", 1.0)
		if err != nil {
			return nil, err
		}
		raw, err = sjson.SetBytes(raw, base+".resetTime", "")
		if err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// sjsonEscapeKey escapes the characters sjson's dot-path syntax treats
// specially so a literal key (which may itself contain dots, as model
// IDs like "gemini-2.5-flash" do) round-trips as one path segment.
func sjsonEscapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

type loadCodeAssistResponse struct {
	CloudaicompanionProject string `json:"cloudaicompanionProject"`
}

func buildLoadCodeAssist() loadCodeAssistResponse {
	return loadCodeAssistResponse{CloudaicompanionProject: "antigravity-sovereign-project"}
}

// userinfoProfile is the canned profile returned by both userinfo
// versions, bit-for-bit per spec §6.
type userinfoProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	Locale        string `json:"locale"`
	Hd            string `json:"hd"`
}

func cannedProfile() userinfoProfile {
	return userinfoProfile{
		ID:            "sovereign-hardware",
		Email:         "local-hardware@antigravity.os",
		VerifiedEmail: true,
		Name:          "Antigravity Sovereign",
		GivenName:     "Antigravity",
		FamilyName:    "Sovereign",
		Picture:       "",
		Locale:        "en",
		Hd:            "antigravity.os",
	}
}

// peopleMeResponse is the People-API-shaped transform of the canned
// profile for GET /v1/people/me.
type peopleMeResponse struct {
	ResourceName string            `json:"resourceName"`
	Names        []peopleName      `json:"names"`
	EmailAddresses []peopleEmail   `json:"emailAddresses"`
	Photos       []peoplePhoto     `json:"photos"`
}

type peopleName struct {
	DisplayName string `json:"displayName"`
	GivenName   string `json:"givenName"`
	FamilyName  string `json:"familyName"`
}

type peopleEmail struct {
	Value string `json:"value"`
}

type peoplePhoto struct {
	URL string `json:"url"`
}

func buildPeopleMe() peopleMeResponse {
	p := cannedProfile()
	return peopleMeResponse{
		ResourceName: "people/" + p.ID,
		Names: []peopleName{{
			DisplayName: p.Name,
			GivenName:   p.GivenName,
			FamilyName:  p.FamilyName,
		}},
		EmailAddresses: []peopleEmail{{Value: p.Email}},
		Photos:         []peoplePhoto{{URL: p.Picture}},
	}
}

// defaultModelCreated is used when a model's catalogue entry has no
// known creation timestamp.
var defaultModelCreated = func() int64 { return time.Now().Unix() }
