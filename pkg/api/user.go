package api

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	jsonPatch "github.com/evanphx/json-patch/v5"
)

const (
	maxNameLength     = 127
	defaultQueryLimit = 10
	maxQueryLimit     = 50
)

type UserService interface {
	OnAuthCreate(ctx context.Context, uid string, email string, name *string, imageUrl *string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	Rename(ctx context.Context, uid string, name string) (*User, error)
	PatchProfile(ctx context.Context, uid string, patchJSON []byte) (*User, error)
	UploadProfileImage(ctx context.Context, uid string, data []byte, contentType string) (*User, error)
	Search(ctx context.Context, query string, limit int) ([]Projection, error)
}

type userService struct {
	repo   *Repository
	blobs  BlobStore
	search *SearchSync
}

func NewUserService(repo *Repository, blobs BlobStore, search *SearchSync) UserService {
	return &userService{repo: repo, blobs: blobs, search: search}
}

// OnAuthCreate creates the profile of a newly registered identity. The
// username is the local part of the email address.
func (u *userService) OnAuthCreate(ctx context.Context, uid string, email string, name *string, imageUrl *string) (*User, error) {
	if uid == "" {
		return nil, Validation("uid is empty")
	}
	if !strings.Contains(email, "@") {
		return nil, Validation("an email address is required")
	}
	user := &User{
		Id:       uid,
		Email:    &email,
		Username: UsernameFromEmail(email),
		Name:     name,
		ImageUrl: imageUrl,
	}
	if err := u.repo.SaveUser(ctx, user); err != nil {
		log.Error("Failed to add user", "uid", uid, "err", err)
		return nil, err
	}
	u.search.Created(user)
	log.Info("Created user", "uid", uid, "username", user.Username)
	return user, nil
}

func (u *userService) GetUser(ctx context.Context, id string) (*User, error) {
	return u.repo.GetUser(ctx, id)
}

func (u *userService) Rename(ctx context.Context, uid string, name string) (*User, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return u.update(ctx, uid, map[string]interface{}{"name": name})
}

// editableProfile is the part of a profile a JSON patch may touch.
type editableProfile struct {
	Name     *string `json:"name"`
	ImageUrl *string `json:"imageUrl"`
}

// PatchProfile applies an RFC 6902 patch to the editable profile fields.
func (u *userService) PatchProfile(ctx context.Context, uid string, patchJSON []byte) (*User, error) {
	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, Validation("patch is not a valid JSON patch: " + err.Error())
	}
	user, err := u.repo.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}

	current := editableProfile{Name: user.Name, ImageUrl: user.ImageUrl}
	currentBinary, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	patchedBinary, err := patch.Apply(currentBinary)
	if err != nil {
		return nil, Validation("patch cannot be applied: " + err.Error())
	}
	var patched editableProfile
	decoder := json.NewDecoder(bytes.NewReader(patchedBinary))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patched); err != nil {
		return nil, Validation("patch touches fields that cannot be edited")
	}

	fields := map[string]interface{}{}
	if !sameString(current.Name, patched.Name) {
		if patched.Name == nil {
			return nil, Validation("name cannot be removed")
		}
		if err := validateName(*patched.Name); err != nil {
			return nil, err
		}
		fields["name"] = *patched.Name
	}
	if !sameString(current.ImageUrl, patched.ImageUrl) {
		if patched.ImageUrl == nil {
			fields["imageUrl"] = nil
		} else {
			fields["imageUrl"] = *patched.ImageUrl
		}
	}
	if len(fields) == 0 {
		return user, nil
	}
	return u.update(ctx, uid, fields)
}

// UploadProfileImage stores a new profile image, points the profile at it and
// removes the previous image.
func (u *userService) UploadProfileImage(ctx context.Context, uid string, data []byte, contentType string) (*User, error) {
	if u.blobs == nil {
		return nil, Validation("uploads are not supported")
	}
	if len(data) == 0 {
		return nil, Validation("image is empty")
	}
	if _, ok := ImageExtensions[contentType]; !ok {
		return nil, Validation("image type " + contentType + " is not allowed")
	}
	user, err := u.repo.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	url, err := u.blobs.Store(ctx, data, contentType)
	if err != nil {
		return nil, err
	}
	if user.ImageUrl != nil && *user.ImageUrl != "" {
		if err := u.blobs.Delete(ctx, *user.ImageUrl); err != nil {
			log.Warn("Unable to delete previous profile image", "uid", uid, "url", *user.ImageUrl, "err", err)
		}
	}
	return u.update(ctx, uid, map[string]interface{}{"imageUrl": url})
}

func (u *userService) Search(ctx context.Context, query string, limit int) ([]Projection, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, Validation("search query is empty")
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	return u.search.Query(ctx, query, limit)
}

func (u *userService) update(ctx context.Context, uid string, fields map[string]interface{}) (*User, error) {
	user, err := u.repo.UpdateUser(ctx, uid, fields)
	if err != nil {
		return nil, err
	}
	u.search.Updated(user)
	return user, nil
}

func validateName(name string) error {
	length := utf8.RuneCountInString(strings.TrimSpace(name))
	if length == 0 || length > maxNameLength {
		return Validation("name must be between 1 and 127 characters")
	}
	return nil
}

func sameString(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
