package ml

import (
	"math"
	"math/rand/v2"
)

// Perceptron is a one-hidden-layer tanh network trained with Adam on
// mini-batches of standardised rows.
type Perceptron struct {
	Hidden       int         `json:"hidden"`
	Epochs       int         `json:"epochs"`
	LearningRate float64     `json:"learning_rate"`
	Alpha        float64     `json:"alpha"`
	BatchSize    int         `json:"batch_size"`
	Seed         int64       `json:"seed"`
	Scaler       Scaler      `json:"scaler"`
	Target       targetScale `json:"target"`
	Inputs       int         `json:"inputs"`
	// Weights is laid out as W1 (hidden×inputs), b1, w2, b2.
	Weights []float64 `json:"weights"`
}

func newMLP(p Params) *Perceptron {
	return &Perceptron{
		Hidden:       max(1, p.int("hidden", 32)),
		Epochs:       max(1, p.int("epochs", 200)),
		LearningRate: p.get("learning_rate", 0.01),
		Alpha:        p.get("alpha", 1e-4),
		BatchSize:    max(1, p.int("batch_size", 32)),
		Seed:         int64(p.get("seed", 42)),
	}
}

func (m *Perceptron) Name() string { return MLP }

func (m *Perceptron) Params() map[string]float64 {
	return map[string]float64{
		"hidden":        float64(m.Hidden),
		"epochs":        float64(m.Epochs),
		"learning_rate": m.LearningRate,
		"alpha":         m.Alpha,
		"batch_size":    float64(m.BatchSize),
		"seed":          float64(m.Seed),
	}
}

func (m *Perceptron) offsets() (b1, w2, b2 int) {
	b1 = m.Hidden * m.Inputs
	w2 = b1 + m.Hidden
	b2 = w2 + m.Hidden
	return
}

func (m *Perceptron) forward(x, act []float64) float64 {
	b1, w2, b2 := m.offsets()
	out := m.Weights[b2]
	for h := 0; h < m.Hidden; h++ {
		z := m.Weights[b1+h]
		row := m.Weights[h*m.Inputs : (h+1)*m.Inputs]
		for j, v := range x {
			z += row[j] * v
		}
		act[h] = math.Tanh(z)
		out += m.Weights[w2+h] * act[h]
	}
	return out
}

func (m *Perceptron) Fit(X [][]float64, y []float64) error {
	if err := checkShape(X, y); err != nil {
		return err
	}
	m.Inputs = len(X[0])
	m.Scaler = FitScaler(X)
	Xs := m.Scaler.TransformAll(X)
	var ys []float64
	m.Target, ys = fitTarget(y)

	rng := rand.New(rand.NewPCG(uint64(m.Seed), 0x31))
	b1, w2, b2 := m.offsets()
	m.Weights = make([]float64, b2+1)
	limit := math.Sqrt(6 / float64(m.Inputs+m.Hidden))
	for i := 0; i < b1; i++ {
		m.Weights[i] = (rng.Float64()*2 - 1) * limit
	}
	limit = math.Sqrt(6 / float64(m.Hidden+1))
	for h := 0; h < m.Hidden; h++ {
		m.Weights[w2+h] = (rng.Float64()*2 - 1) * limit
	}

	const beta1, beta2, eps = 0.9, 0.999, 1e-8
	grad := make([]float64, len(m.Weights))
	mom := make([]float64, len(m.Weights))
	vel := make([]float64, len(m.Weights))
	act := make([]float64, m.Hidden)
	order := make([]int, len(Xs))
	for i := range order {
		order[i] = i
	}

	step := 0
	for range m.Epochs {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < len(order); start += m.BatchSize {
			batch := order[start:min(start+m.BatchSize, len(order))]
			clear(grad)
			for _, i := range batch {
				e := m.forward(Xs[i], act) - ys[i]
				grad[b2] += e
				for h := 0; h < m.Hidden; h++ {
					grad[w2+h] += e * act[h]
					dh := e * m.Weights[w2+h] * (1 - act[h]*act[h])
					grad[b1+h] += dh
					row := grad[h*m.Inputs : (h+1)*m.Inputs]
					for j, v := range Xs[i] {
						row[j] += dh * v
					}
				}
			}

			nb := float64(len(batch))
			step++
			c1 := 1 - math.Pow(beta1, float64(step))
			c2 := 1 - math.Pow(beta2, float64(step))
			for k := range m.Weights {
				g := grad[k] / nb
				if k < b1 || (k >= w2 && k < b2) {
					g += m.Alpha * m.Weights[k]
				}
				mom[k] = beta1*mom[k] + (1-beta1)*g
				vel[k] = beta2*vel[k] + (1-beta2)*g*g
				m.Weights[k] -= m.LearningRate * (mom[k] / c1) / (math.Sqrt(vel[k]/c2) + eps)
			}
		}
	}
	return nil
}

func (m *Perceptron) Predict(x []float64) float64 {
	act := make([]float64, m.Hidden)
	return m.Target.inverse(m.forward(m.Scaler.Transform(x), act))
}
