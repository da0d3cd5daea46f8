package github

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/anonscience/anonmirror/internal/model"
	"github.com/anonscience/anonmirror/internal/source"
)

// IdentityClient implements source.Identity against GitHub OAuth tokens.
type IdentityClient struct{}

// NewIdentityClient constructs a GitHub identity resolver.
func NewIdentityClient() *IdentityClient { return &IdentityClient{} }

// Resolve fetches the authenticated user and its verified emails with the
// supplied token. The token itself is carried through into the profile so
// the user service can persist it; it is never logged here or downstream.
func (c *IdentityClient) Resolve(ctx context.Context, accessToken string) (source.Profile, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))

	user, _, err := gh.Users.Get(ctx, "")
	if err != nil {
		return source.Profile{}, classify(err)
	}

	profile := source.Profile{
		Username:    user.GetLogin(),
		ExternalID:  strconv.FormatInt(user.GetID(), 10),
		AccessToken: accessToken,
		Photo:       user.GetAvatarURL(),
	}

	emails, _, err := gh.Users.ListEmails(ctx, &github.ListOptions{PerPage: 100})
	if err != nil {
		// The email scope may be missing; the profile is still usable.
		if isStatus(err, http.StatusNotFound, http.StatusForbidden) {
			return profile, nil
		}
		return source.Profile{}, classify(err)
	}
	for _, e := range emails {
		if !e.GetVerified() {
			continue
		}
		profile.Emails = append(profile.Emails, model.Email{
			Email:     e.GetEmail(),
			IsDefault: e.GetPrimary(),
		})
	}
	return profile, nil
}

func isStatus(err error, codes ...int) bool {
	ghErr, ok := err.(*github.ErrorResponse)
	if !ok || ghErr.Response == nil {
		return false
	}
	for _, c := range codes {
		if ghErr.Response.StatusCode == c {
			return true
		}
	}
	return false
}
