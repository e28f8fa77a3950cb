package nnload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolobridge/pkg/nn"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	channels int
	closed   bool
}

func (f *fakeEngine) Close() { f.closed = true }

func (f *fakeEngine) InputShape() (width, height, channels int) {
	return 320, 320, f.channels
}

func (f *fakeEngine) Run(input []float32) ([]nn.Tensor, error) {
	return nil, nil
}

func touch(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testLoader(t *testing.T) (*Loader, Dirs) {
	root := t.TempDir()
	dirs := Dirs{
		Internal:      filepath.Join(root, "files"),
		Cache:         filepath.Join(root, "cache"),
		External:      filepath.Join(root, "external"),
		ExternalCache: filepath.Join(root, "external-cache"),
		Assets:        filepath.Join(root, "assets"),
	}
	loader := NewLoader(logs.NewTestingLog(t), dirs)
	loader.Open = func(log logs.Log, filename string, opt Options) (nn.Engine, error) {
		return &fakeEngine{channels: 3}, nil
	}
	return loader, dirs
}

func TestResolve(t *testing.T) {
	loader, dirs := testLoader(t)

	path, loc := loader.Resolve("/data/models/yolo11n.tflite")
	require.Equal(t, "/data/models/yolo11n.tflite", path)
	require.Equal(t, LocationFileSystem, loc)

	path, loc = loader.Resolve("internal://models/yolo11n.tflite")
	require.Equal(t, filepath.Join(dirs.Internal, "models/yolo11n.tflite"), path)
	require.Equal(t, LocationFileSystem, loc)

	path, loc = loader.Resolve("models/yolo11n.tflite")
	require.Equal(t, filepath.Join(dirs.Assets, "models/yolo11n.tflite"), path)
	require.Equal(t, LocationAssets, loc)

	require.Equal(t, "yolo11n.tflite", WithExtension("yolo11n"))
	require.Equal(t, "yolo11n.TFLITE", WithExtension("yolo11n.TFLITE"))
}

func TestRelativeDirs(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	loader := NewLoader(logs.NewTestingLog(t), Dirs{Assets: "assets"})

	path, _ := loader.Resolve("internal://yolo11n.tflite")
	require.True(t, filepath.IsAbs(path), path)
	require.Equal(t, filepath.Join(wd, "yolo11n.tflite"), path)

	path, _ = loader.Resolve("yolo11n.tflite")
	require.Equal(t, filepath.Join(wd, "assets", "yolo11n.tflite"), path)

	sp := loader.StoragePaths()
	for _, dir := range []string{sp.Internal, sp.Cache, sp.External, sp.ExternalCache} {
		require.True(t, filepath.IsAbs(dir), dir)
	}
}

func TestCheckModelExists(t *testing.T) {
	loader, dirs := testLoader(t)
	touch(t, filepath.Join(dirs.Assets, "yolo11n.tflite"), "x")
	touch(t, filepath.Join(dirs.Internal, "custom.tflite"), "x")

	st := loader.CheckModelExists("yolo11n")
	require.True(t, st.Exists)
	require.Equal(t, LocationAssets, st.Location)
	require.Equal(t, filepath.Join(dirs.Assets, "yolo11n.tflite"), st.Path)

	st = loader.CheckModelExists("internal://custom")
	require.True(t, st.Exists)
	require.Equal(t, LocationFileSystem, st.Location)

	abs := filepath.Join(dirs.Internal, "custom.tflite")
	st = loader.CheckModelExists(abs)
	require.True(t, st.Exists)
	require.Equal(t, abs, st.Path)

	st = loader.CheckModelExists("missing")
	require.False(t, st.Exists)
	require.Equal(t, LocationNotFound, st.Location)
}

func TestStoragePaths(t *testing.T) {
	loader, dirs := testLoader(t)
	sp := loader.StoragePaths()
	require.Equal(t, dirs.Internal, sp.Internal)
	require.Equal(t, dirs.Cache, sp.Cache)
	require.Equal(t, dirs.External, sp.External)
	require.Equal(t, dirs.ExternalCache, sp.ExternalCache)
}

func TestLoadModel(t *testing.T) {
	loader, dirs := testLoader(t)
	touch(t, filepath.Join(dirs.Assets, "yolo11n.tflite"), "x")

	m, err := loader.LoadModel("yolo11n", Options{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dirs.Assets, "yolo11n.tflite"), m.Path)
	require.Equal(t, nn.TaskDetect, m.Task)
	require.Equal(t, nn.COCOClasses, m.Labels)

	_, err = loader.LoadModel("nothing", Options{})
	require.ErrorIs(t, err, ErrModelNotFound)

	_, err = loader.LoadModel("", Options{})
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestLoadModelFallback(t *testing.T) {
	loader, dirs := testLoader(t)
	// Both "weird" and "weird.tflite" exist, but only the original path is a valid model
	touch(t, filepath.Join(dirs.Internal, "weird"), "good")
	touch(t, filepath.Join(dirs.Internal, "weird.tflite"), "bad")
	opened := []string{}
	loader.Open = func(log logs.Log, filename string, opt Options) (nn.Engine, error) {
		opened = append(opened, filename)
		b, _ := os.ReadFile(filename)
		if string(b) != "good" {
			return nil, errors.New("corrupt model")
		}
		return &fakeEngine{channels: 3}, nil
	}
	m, err := loader.LoadModel("internal://weird", Options{Task: nn.TaskPose})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dirs.Internal, "weird"), m.Path)
	require.Equal(t, nn.TaskPose, m.Task)
	require.Equal(t, 2, len(opened))

	// No fallback when the path already has the extension
	opened = nil
	_, err = loader.LoadModel("internal://weird.tflite", Options{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrModelNotFound)
	require.Equal(t, 1, len(opened))
}

func TestSidecar(t *testing.T) {
	loader, dirs := testLoader(t)
	touch(t, filepath.Join(dirs.Assets, "cls.tflite"), "x")
	touch(t, filepath.Join(dirs.Assets, "cls.json"), `{"task": "classify", "width": 224, "height": 160, "classes": ["cat", "dog"]}`)
	touch(t, filepath.Join(dirs.Assets, "seg.tflite"), "x")
	touch(t, filepath.Join(dirs.Assets, "seg.txt"), "hand\n\nfoot\n")

	loader.Open = func(log logs.Log, filename string, opt Options) (nn.Engine, error) {
		return &fakeEngine{channels: 1}, nil
	}
	m, err := loader.LoadModel("cls", Options{})
	require.NoError(t, err)
	require.Equal(t, nn.TaskClassify, m.Task)
	require.Equal(t, []string{"cat", "dog"}, m.Labels)
	require.NotNil(t, m.Classifier)
	require.True(t, m.Classifier.Grayscale())
	require.Equal(t, 224, m.Width)
	require.Equal(t, 160, m.Height)

	m, err = loader.LoadModel("seg.tflite", Options{Task: nn.TaskSegment})
	require.NoError(t, err)
	require.Equal(t, []string{"hand", "foot"}, m.Labels)
	require.Nil(t, m.Classifier)
	require.Equal(t, 0, m.Width)
}
