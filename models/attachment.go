package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"github.com/google/uuid"
)

// Attachment is a stored file referenced by a manuscript (cover image, inline
// media). The first image attachment doubles as the cover; a bounded thumbnail
// is generated for it.
type Attachment struct {
	ID           int       `gorm:"primary_key" json:"id"`
	ManuscriptId int       `gorm:"index;not null" json:"manuscript_id"`
	FileName     string    `gorm:"size:255" json:"file_name"`
	ObjectUrl    string    `gorm:"size:500" json:"object_url"`
	ThumbUrl     *string   `gorm:"size:500" json:"thumb_url"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CreateAttachment uploads the file to object storage and records it against
// an existing manuscript. Thumbnail generation is best-effort: non-image
// attachments are stored without one.
func CreateAttachment(ctx context.Context, manuscriptId int, fileName string, file io.ReadSeeker) (*Attachment, error) {
	db := config.GetDB()

	var count int64
	if err := db.WithContext(ctx).Model(&Manuscript{}).Where("id = ?", manuscriptId).Count(&count).Error; err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, utils.ErrorRecordNotFound
	}

	ext := filepath.Ext(fileName)
	if ext == "" {
		return nil, errors.New("file has no extension")
	}
	objectName := path.Join("manuscripts", fmt.Sprint(manuscriptId), uuid.NewString()+ext)

	if err := utils.UploadFileToGCS(ctx, objectName, file); err != nil {
		return nil, fmt.Errorf("failed to upload file to storage provider: %v", err)
	}

	result := Attachment{
		ManuscriptId: manuscriptId,
		FileName:     fileName,
		ObjectUrl:    utils.GetCloudURL(objectName),
	}

	// Thumbnail: rewind and try to decode as an image.
	if _, err := file.Seek(0, io.SeekStart); err == nil {
		if thumb, terr := utils.MakeCoverThumbnail(file, 640); terr == nil {
			thumbName := path.Join("manuscripts", fmt.Sprint(manuscriptId), "thumb", uuid.NewString()+".jpg")
			if uerr := utils.UploadFileToGCS(ctx, thumbName, thumb); uerr == nil {
				url := utils.GetCloudURL(thumbName)
				result.ThumbUrl = &url
			}
		}
	}

	if err := db.WithContext(ctx).Create(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func DeleteAttachment(ctx context.Context, id int) (*Attachment, error) {
	db := config.GetDB()
	var result Attachment
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := db.WithContext(ctx).Delete(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}
