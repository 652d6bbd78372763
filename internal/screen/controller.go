// Package screen は「常に1画面だけがアクティブ」という画面表示の制御を提供します。
package screen

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ID は画面の識別子です。
type ID string

const (
	Upload   ID = "upload"
	Progress ID = "progress"
	Result   ID = "result"
	Error    ID = "error"
)

// ErrUnknownScreen は登録されていない画面を表示しようとした場合のエラーです。
var ErrUnknownScreen = errors.New("screen not found")

// DOMName はページ側のコンテナ名（screen-<id>）を返します。
func DOMName(id ID) string {
	return "screen-" + string(id)
}

// Element は表示/非表示を切り替えられる要素のハンドルです。
type Element interface {
	SetActive(active bool)
}

// Flag はメモリ上で状態だけを保持する Element です。
type Flag struct {
	active atomic.Bool
}

// SetActive は状態を更新します。
func (f *Flag) SetActive(active bool) {
	f.active.Store(active)
}

// Active は現在の状態を返します。
func (f *Flag) Active() bool {
	return f.active.Load()
}

// Controller は登録された画面のうち1つだけをアクティブにします。
type Controller struct {
	mu       sync.Mutex
	elements map[ID]Element
	active   ID
}

// NewController は画面群を受け取り、initial をアクティブにした Controller を返します。
func NewController(elements map[ID]Element, initial ID) (*Controller, error) {
	if len(elements) == 0 {
		return nil, errors.New("at least one screen is required")
	}
	copied := make(map[ID]Element, len(elements))
	for id, el := range elements {
		if el == nil {
			return nil, fmt.Errorf("screen %q has no element", id)
		}
		copied[id] = el
	}
	c := &Controller{elements: copied}
	if err := c.Show(initial); err != nil {
		return nil, err
	}
	return c, nil
}

// Show はすべての画面を非アクティブにしてから id の画面をアクティブにします。
// 未登録の id の場合は現在の表示を変更せずにエラーを返します。
func (c *Controller) Show(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.elements[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScreen, DOMName(id))
	}
	for _, el := range c.elements {
		el.SetActive(false)
	}
	target.SetActive(true)
	c.active = id
	return nil
}

// Active は現在アクティブな画面を返します。
func (c *Controller) Active() ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// States は各画面の表示状態をまとめて返します。
// Show と同じロックの下で読み出すため、表示中の画面は常に1つです。
func (c *Controller) States() (map[ID]bool, ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make(map[ID]bool, len(c.elements))
	for id := range c.elements {
		states[id] = id == c.active
	}
	return states, c.active
}
