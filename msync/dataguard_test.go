package msync

import "sync"

func (s *unitTestSuite) TestDataGuard() {
	dg := NewDataGuard(map[string]int{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dg.Store(func(m map[string]int) map[string]int {
				m["armed"]++
				return m
			})
		}()
	}
	wg.Wait()

	dg.Load(func(m map[string]int) {
		s.Assert().Equal(50, m["armed"])
	})

	s.Assert().Equal(50, Read(dg, func(m map[string]int) int { return m["armed"] }))
	s.Assert().Zero(Read(dg, func(m map[string]int) int { return m["released"] }))
}
