package render

// PresenterFunc adapts a function to the Presenter interface. The offscreen
// path (tests, headless capture, a compositor in another package) is just
// a callback over the finished pixels.
type PresenterFunc func(rgba []byte, width, height uint32)

// Present implements Presenter.
func (f PresenterFunc) Present(rgba []byte, width, height uint32) {
	f(rgba, width, height)
}
