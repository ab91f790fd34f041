package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// FileMode rw-r--r-- (擁有者讀寫，其他人唯讀)
const FileMode fs.FileMode = 0644

// ErrBroken 寫入失敗後無法把檔案截回原本長度，WAL 不再接受寫入
var ErrBroken = errors.New("wal: log is broken")

// logFile 是 WAL 需要的檔案操作，*os.File 即可滿足
type logFile interface {
	io.ReadWriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL 以 JSON Lines 格式追加寫入的 Write-Ahead Log
type WAL struct {
	file   logFile
	mu     sync.Mutex
	broken error
}

// Open 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
func Open(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileMode)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// Append 寫入一筆資料並刷入硬碟，回傳 nil 之後資料才算落地
//
// Write 或 Sync 失敗時會把檔案截回寫入前的長度，失敗的紀錄不會在重啟後被重放，
// 也不會在檔案中間留下半筆資料。截斷本身失敗時 WAL 標記為 broken。
func (w *WAL) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return w.broken
	}

	size, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	_, err = w.file.Write(data)
	if err == nil {
		err = w.file.Sync()
	}
	if err == nil {
		return nil
	}

	if rbErr := w.rewind(size); rbErr != nil {
		w.broken = fmt.Errorf("%w: %w", ErrBroken, rbErr)
		return errors.Join(err, w.broken)
	}
	return err
}

// rewind 截回 size 並刷入硬碟
func (w *WAL) rewind(size int64) error {
	if err := w.file.Truncate(size); err != nil {
		return err
	}
	if _, err := w.file.Seek(size, io.SeekStart); err != nil {
		return err
	}
	return w.file.Sync()
}

// ReadAll 依序讀取所有資料
// callback 一次收到一筆 json.RawMessage，避免一次將所有資料載入記憶體
//
// 檔案尾端若有寫到一半的紀錄 (寫入中途 crash)，會被截掉，之後的 Append 才不會接在壞資料後面
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 確保從頭讀取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	decoder := json.NewDecoder(w.file)
	for {
		good := decoder.InputOffset()
		var raw json.RawMessage
		err := decoder.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return w.file.Truncate(good)
		}
		if err != nil {
			return err
		}
		if err := callback(raw); err != nil {
			return err
		}
	}
}

// Close 關閉檔案
func (w *WAL) Close() error {
	return w.file.Close()
}
