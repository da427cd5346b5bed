package service

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckImageService_IsEnabled(t *testing.T) {
	var nilSvc *CheckImageService
	assert.False(t, nilSvc.IsEnabled())
	assert.False(t, NewCheckImageService(nil).IsEnabled())
	assert.True(t, NewCheckImageService(testutil.NewMockImageRepository()).IsEnabled())
}

func TestCheckImageService_Validate(t *testing.T) {
	svc := NewCheckImageService(testutil.NewMockImageRepository())
	good := checkImage(t, 700, 300)

	tests := []struct {
		name    string
		images  CheckImages
		wantErr error
	}{
		{"both sides", CheckImages{Front: good, Back: good}, nil},
		{"missing back", CheckImages{Front: good}, ErrCheckImageMissing},
		{"not an image", CheckImages{Front: []byte("not an image"), Back: good}, ErrInvalidCheckImage},
		{"too small", CheckImages{Front: good, Back: checkImage(t, 300, 150)}, ErrCheckImageTooSmall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Validate(tt.images)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckImageService_StoreNormalises(t *testing.T) {
	store := testutil.NewMockImageRepository()
	svc := NewCheckImageService(store)
	id := uuid.New()

	front, back, err := svc.Store(context.Background(), id, CheckImages{
		Front: checkImage(t, 2400, 1100),
		Back:  checkImage(t, 800, 400),
	})
	require.NoError(t, err)
	assert.Equal(t, "mobile-deposits/"+id.String()+"/front.jpg", front)
	assert.Equal(t, "mobile-deposits/"+id.String()+"/back.jpg", back)

	img, err := jpeg.Decode(bytes.NewReader(store.Objects[front]))
	require.NoError(t, err)
	assert.Equal(t, CheckImageWidth, img.Bounds().Dx())
	assert.Equal(t, 733, img.Bounds().Dy())

	img, err = jpeg.Decode(bytes.NewReader(store.Objects[back]))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
}

func TestCheckImageService_StoreCleansUpOnFailure(t *testing.T) {
	store := testutil.NewMockImageRepository()
	svc := NewCheckImageService(store)
	id := uuid.New()
	store.FailOn = "mobile-deposits/" + id.String() + "/back.jpg"

	_, _, err := svc.Store(context.Background(), id, CheckImages{
		Front: checkImage(t, 700, 300),
		Back:  checkImage(t, 700, 300),
	})
	require.Error(t, err)
	assert.Empty(t, store.Objects)
	assert.Equal(t, []string{"mobile-deposits/" + id.String() + "/front.jpg"}, store.Deleted)
}

func TestCheckImageService_Disabled(t *testing.T) {
	svc := NewCheckImageService(nil)

	_, _, err := svc.Store(context.Background(), uuid.New(), CheckImages{})
	assert.ErrorIs(t, err, ErrImageStorageMissing)

	_, err = svc.URL(context.Background(), "mobile-deposits/x/front.jpg")
	assert.ErrorIs(t, err, ErrImageStorageMissing)
}
