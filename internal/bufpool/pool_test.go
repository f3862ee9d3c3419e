package bufpool

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObtainEmptyPool(t *testing.T) {
	p := New(4)
	assert.Nil(t, p.Obtain(256, 256))
}

func TestReleaseThenObtain(t *testing.T) {
	p := New(4)
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	p.Release(img)
	require.Equal(t, 1, p.Len(8, 8))

	assert.Nil(t, p.Obtain(16, 16), "other dimensions must not be served")
	assert.Same(t, img, p.Obtain(8, 8))
	assert.Nil(t, p.Obtain(8, 8))
}

func TestReleaseBounded(t *testing.T) {
	p := New(2)
	for i := 0; i < 5; i++ {
		p.Release(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	}
	assert.Equal(t, 2, p.Len(4, 4))
}

func TestReleaseIgnoresOffsetAndNil(t *testing.T) {
	p := New(2)
	p.Release(nil)
	p.Release(image.NewRGBA(image.Rect(2, 2, 6, 6)))
	assert.Equal(t, 0, p.Len(4, 4))
}

func TestObtainOrNew(t *testing.T) {
	p := New(2)
	img := p.ObtainOrNew(4, 4)
	require.NotNil(t, img)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Rect)
}

func TestConcurrentObtainRelease(t *testing.T) {
	p := New(8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				img := p.ObtainOrNew(4, 4)
				p.Release(img)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Len(4, 4), 8)
}
